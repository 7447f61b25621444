/*
包 redisconn 管理 Chimera 进程共享的 Redis 连接。

Manager 在创建时 Ping 确认可用，Client 交给熔断器状态存储与预算账本，
Run 在 errgroup 中做周期健康检查并上报连接池统计，Close 释放连接池。
*/
package redisconn
