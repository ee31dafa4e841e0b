// Package api 暴露编排器的 HTTP/JSON 接口：智能体、工作流、包、状态、连接器以及异步运行。
package api
