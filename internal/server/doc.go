/*
包 server 提供 HTTP/HTTPS 服务器生命周期管理。

Manager 封装 net/http.Server：Start 非阻塞监听，Run 阻塞到 context
结束后在 ShutdownTimeout 内优雅关闭。formrelay run 用两个 Manager
分别承载控制面 API 与 Prometheus 指标端口；进程信号由 cmd 层通过
signal.NotifyContext 转换为 context 取消。

配置了 CertFile 与 KeyFile 时以 HTTPS 启动，TLS 参数来自
internal/tlsutil.DefaultTLSConfig。
*/
package server
