// Package mysql 提供基于 MySQL 的状态命名空间后端，负责连接池配置与嵌入式迁移。
package mysql
