// Package redis 提供基于 Redis 的状态命名空间后端，每个命名空间对应一个字符串键。
package redis
