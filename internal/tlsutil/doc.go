// Package tlsutil 为远端能力调用与 Redis 连接提供统一的客户端 TLS 设置
// （TLS 1.2+，仅 AEAD 密码套件，可选私有 CA）。
package tlsutil
