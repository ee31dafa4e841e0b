// Package connector 定义调用外部智能体平台的统一抽象。
//
// 每个平台实现 Connector 接口，由 Manager 按平台名称登记与分发。
// 调用失败（网络、鉴权、上游错误）统一折叠为 Success=false 的 Result，
// 不会以 error 形式向上抛出。
package connector
