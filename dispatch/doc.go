/*
Package dispatch 把通道广播转换为任务，并按固定节拍逐个在页面上执行。

# 接收判定

Acceptance.Decide 根据页面类型与操作员开关给出 Enqueue、Relay 或 Reject：
确认页只接收本组任务；其他页面只接收中继组任务；确认页上没有解答但
激活码长度合规的中继组任务会转发最新缓存的验证码。

# 调度

Dispatcher 是严格 FIFO 队列：入队时若空闲则启动节拍定时器，每个节拍
只弹出一个任务，队列清空后清除 processing 标志并停止定时器。
失败的任务默认被消费，开启 RequeueFailed 后在 MaxAttempts 内重新入队。

# 执行路径

  - in_page:    同组任务：填写页面字段并点击提交
  - out_of_band: 4 位解答：带 CSRF 表单 POST，响应在新视图中打开
  - fetch:      其他：GET 链接，响应在新视图中打开
*/
package dispatch
