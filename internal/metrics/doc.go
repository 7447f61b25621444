/*
包 metrics 提供基于 Prometheus 的治理引擎指标采集能力。

# 概述

Collector 统一注册和记录 Prometheus 指标，通过 promauto 注册到
指定 Registerer（默认全局 Registry）。所有指标按 namespace 隔离。

Collector 同时实现 scheduler.Observer、judge.Observer、retry.Observer、
budget.Observer 与 hitl.Observer，熔断器通过
circuitbreaker.WithStateChangeHook(c.BreakerStateChanged) 接入。

# 主要指标

  - HTTP：请求总数、耗时、请求/响应体大小，状态码归类为 2xx/3xx/4xx/5xx。
  - 任务：提交数（按 kind）、状态转换数（按 from/to）、路由决策数。
  - 韧性：重试次数（按依赖与错误类别）、重试耗尽数、熔断器状态与转换。
  - 预算：授权决策数（按分类与结果）、已授权支出（美元）。
  - 升级：创建/解决数、等待时长、待处理数与超时数（按级别）。
  - 数据库：活跃/空闲连接数。
*/
package metrics
