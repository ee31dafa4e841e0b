// Package agent 维护可调用智能体的清单注册表。
//
// 每个智能体对应数据目录下的一个清单文件，内存中的映射在启动时由这些文件
// 重建，并在每次调用后更新运行时计数。注册表只负责发现与记账，实际调用由
// connector 包完成。
package agent
