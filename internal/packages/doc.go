// Package packages 管理由智能体与工作流组成的可复用能力包。
//
// 每个包对应数据目录下的一个 JSON 文件。包可以声明显式工作流，
// 也可以仅列出智能体，由管理器生成按顺序串联的隐式工作流。
package packages
