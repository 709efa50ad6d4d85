/*
包 engine 是 formrelay 的运行时编排层。

浏览器每完成一次页面加载，Engine 先通过会话解析拿到档案（缓存新鲜则
直接使用，否则向协调服务刷新），再为这次加载创建独立的事件循环、
实时通道客户端和 automation.Machine。页面导航离开时，Machine.Stop
在循环上清理全部定时器，循环随之关闭。

终止性会话错误（订阅过期、缺少提交上报）会清空页面并让 Run 返回
错误，由命令行以非零状态退出；其余错误只影响当前这次加载。

操作员动作（手动/自动切换、重试循环、确认链接等）通过 Do 投递到
当前加载的事件循环上执行；Status 可在任意 goroutine 读取。
*/
package engine
