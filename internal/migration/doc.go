/*
包 migration 管理 Chimera 持久化表结构的版本化迁移，基于 golang-migrate，
支持 PostgreSQL、MySQL 与 SQLite。

迁移文件以 embed.FS 内嵌，按方言分目录：

  - 000001 tasks：任务状态与调度字段
  - 000002 escalations：人工审核队列
  - 000003 budget_ledger / budget_transactions：每日支出账本与交易记录
  - 000004 audit_entries：哈希链审计日志，postgres 与 sqlite 带只追加触发器
  - 000005 budget_suspensions：被挂起的主体，重启后仍然有效

DefaultMigrator 封装 golang-migrate 实例；CLI 为 `chimera migrate` 子命令
提供格式化输出。工厂函数 NewMigratorFromConfig 从应用配置的 database 段
拼接迁移 URL。
*/
package migration
