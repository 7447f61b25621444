/*
包 server 管理 Chimera 的 HTTP 服务器生命周期。

Manager 封装 net/http.Server：Run 监听、服务并在 ctx 取消后于
ShutdownTimeout 内排空进行中的请求，超时则强制关闭连接。Run 是阻塞
调用，便于在 errgroup 中与调度器、SLA 监控并列运行。信号处理由
cmd/chimera 的 signal.NotifyContext 负责。
*/
package server
