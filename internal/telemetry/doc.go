// Package telemetry 初始化 Chimera 的 OpenTelemetry TracerProvider 与 MeterProvider。
// 遥测关闭时使用 noop 实现，不连接任何外部服务；配置 ca_file 时
// 经 tlsutil 以 TLS 连接 collector。
package telemetry
