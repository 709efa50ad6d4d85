/*
Package session 负责会话身份与服务端策略的获取和缓存。

# 概述

每个浏览器实例启动时需要一份 Profile：凭证、用户名以及服务端下发的
Policy（各类计时参数、功能开关、分组代码）。Resolver 先计算环境指纹，
读取本地加密缓存；缓存与指纹一致且未超过新鲜期（默认 20 分钟）时直接
使用，否则调用 Refresher 向协调服务端换取新 Profile 并整体覆盖缓存。

# 核心组件

  - Cache: 加密 blob 的读写与新鲜度判断，任何读取失败都视为"无缓存"
  - KV: MemoryKV / FileKV / RedisKV 三种存储后端
  - SealedCipher: HKDF-SHA256 派生密钥的 XChaCha20-Poly1305
  - SignalFingerprinter: 信号集合的 SHA-256 摘要
  - Refresher: 刷新请求，并发调用通过 singleflight 合并

# 错误语义

过期、需要上报、未知状态均返回 Terminal 的 types.Error，调用方不应重试。
*/
package session
