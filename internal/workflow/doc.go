// Package workflow 执行由智能体调用、内置动作与子工作流组成的多步骤任务。
//
// 步骤严格按声明顺序串行执行：depends_on 只做门控检查，不会重排步骤。
// 每一步结束后都会将快照写入状态存储，无论成功或失败，终态快照都会落盘，
// 并将工作流从活跃集合中移除。
package workflow
