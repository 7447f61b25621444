/*
Package handlers 提供 Chimera 治理引擎 HTTP API 的请求处理器。

# 概述

handlers 包把调度器、人工审核队列、熔断器与预算治理暴露为 REST 端点，
全部基于标准 net/http 与 Go 1.22 的方法路由模式（"POST /api/v1/tasks"）。
每个 Handler 提供 Register(mux) 注册自身路由。

# 核心类型

  - TaskHandler       - 任务提交、查询、列表与取消
  - EscalationHandler - 待处理升级项列表与人工决定
  - BreakerHandler    - 熔断器状态查询与手动复位
  - BudgetHandler     - 主体当日账本、上限与交易记录
  - HealthHandler     - 存活/就绪探针与构建信息
  - Response          - 统一 JSON 响应结构（success + data + error + timestamp）

# 错误映射

WriteError 通过 types.HTTPStatusOf 将错误码映射为状态码：VALIDATION 400、
NOT_FOUND 404、ALREADY_RESOLVED 与 INVALID_TRANSITION 409、CIRCUIT_OPEN 503。
未标记的错误统一返回 500 且不暴露原始信息。任务校验失败时 error.fields
给出逐字段原因。
*/
package handlers
