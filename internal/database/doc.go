/*
包 database 提供基于 GORM 的数据库接入与连接池管理。

# 概述

Open 按驱动名（postgres、mysql、sqlite）选择 GORM 方言并建立连接，
sqlite 使用纯 Go 的 glebarez/sqlite，便于开发与测试。PoolManager
设置 database/sql 连接池参数，由 Run 驱动周期性检查：连续失败达到
FailureThreshold 后 Healthy 返回 false，就绪检查随之失败；检查成功时
通过 WithStatsReporter 将连接统计上报给指标收集器。

任务、升级项、预算账本、交易记录与审计日志的 GORM 存储都共享
同一个 *gorm.DB。
*/
package database
