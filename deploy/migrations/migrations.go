package migrations

import "embed"

// Files 暴露状态存储使用的 MySQL 迁移脚本。
//
//go:embed *.sql
var Files embed.FS
