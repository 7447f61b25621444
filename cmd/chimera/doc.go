/*
Package main 提供 Chimera 治理引擎的服务端程序入口。

# 概述

cmd/chimera 组装调度器、置信度路由、人工升级队列、预算治理、熔断与重试，
通过 HTTP API 暴露任务提交与人工决定，并提供数据库迁移、健康检查和版本
查询子命令。配置来自 YAML 文件与 CHIMERA_ 前缀的环境变量。

# 核心类型

  - Server          - 按配置选择内存、数据库或 Redis 存储并组装全部组件，
    在同一个 errgroup 中运行调度循环、SLA 监控、连接池检查与两个 HTTP 服务器
  - Middleware      - HTTP 中间件函数签名 func(http.Handler) http.Handler
  - statusRecorder  - 包装 http.ResponseWriter 以捕获状态码与响应大小

# 中间件链

Recovery → RequestID → SecurityHeaders → OTelTracing → MetricsMiddleware →
RequestLogger → JWTAuth（配置 jwt.secret 时）→ RateLimiter。
限流在认证之后，已认证请求按用户计数，其余按客户端 IP。

# 关闭顺序

收到 SIGINT/SIGTERM 后 errgroup 的 ctx 取消：HTTP 服务器排空请求，
调度循环与监控退出；随后 Server.Close 等待 worker 结束，
关闭遥测导出器、数据库与 Redis 连接。
*/
package main
