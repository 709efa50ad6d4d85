/*
Package realtime 实现与协调服务端之间的实时双工通道客户端。

# 状态机

	Disconnected → Connecting → Open → Disconnected | Blocked

Blocked 为终态，收到服务端的 blocked 帧后本次页面加载内不再连接。

# 协议

  - 认证帧：{"code": 凭证}，配置了 AuthSecret 时附带 HS256 token
  - 心跳：每 30s 发送 {"type":"ping"}，10s 内未收到 pong 则关闭并走重连
  - 广播：{"link","gr","co","cap"}
  - 命令：纯文本代码，通过 Vocabulary 映射为表单选项

# 事件与线程模型

所有方法都必须在 eventloop 上调用。拨号、写入、关闭在 Loop.Go 中执行，
读循环在独立 goroutine 中把帧 Post 回 loop。每个事件携带连接代数，
旧连接的事件会被直接丢弃。
*/
package realtime
