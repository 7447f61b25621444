/*
Package types 提供 Chimera 引擎的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 scheduler、resilience、
governance、api 等上层模块提供统一的类型契约。

# 核心类型

  - Error / ErrorCode / ErrorKind - 结构化错误体系，携带 transient / permanent / critical 分类
  - Priority                       - 任务调度优先级（high / medium / low）
  - Severity                       - 人工审核队列层级（critical / high / medium / low）

# 主要能力

  - 错误分类：KindOf / GetErrorCode / IsErrorCode / IsRetryable / HTTPStatusOf
  - Context 传播：WithTraceID / WithUserID / WithRoles / WithActorID / WithTaskID
*/
package types
