// Package state 提供按命名空间划分的键值存储，支持 TTL 与整命名空间持久化。
//
// Store 维护内存缓存，首次访问命名空间时从 Backend 惰性加载，任何写操作都会
// 把整个命名空间重新写回后端。后端可以是本地 JSON 文件、SQLite、MySQL 或 Redis。
package state
