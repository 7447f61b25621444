// Package config 提供 Chimera 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → 环境变量（CHIMERA_ 前缀）的顺序加载，
// 并可转换为各组件包自身的配置类型。治理阈值在进程生命周期内不变，
// 修改后需重启生效。
//
// capabilities 段声明远端能力：endpoints 将能力名映射到 HTTP 端点
// （只能通过 YAML 配置），wallet_url 指向钱包服务，ca_file 为私有 CA。
// storage 段为任务/升级/审计、预算账本与熔断状态分别选择
// memory、database 或 redis 后端。
package config
