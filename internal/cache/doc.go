// 版权所有 2024 FormRelay Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 cache 提供基于 Redis 的缓存管理能力，支持连接池、健康检查与键前缀隔离。

# 概述

本包封装 go-redis 客户端，为会话缓存（session.RedisKV）与验证码
Redis 后端（captcha.RedisBackend）提供共享连接。Manager 负责连接
生命周期管理，包括初始化、健康检查与优雅关闭。

# 核心类型

  - Manager：缓存管理器，持有 Redis 客户端与连接池配置，
    提供 Get/Set/Delete 等基础字节读写，以及 Client() 供 Lua 脚本使用。
  - Config：缓存配置，包含地址、密码、键前缀、连接池大小、默认 TTL
    与健康检查间隔等参数。

# 主要能力

  - 键值读写：按 KeyPrefix 命名空间存取字节值。
  - 连接池管理：通过 PoolSize 与 MinIdleConns 控制连接复用。
  - 健康检查：后台定时 Ping 检测，异常时通过 zap 日志告警。
  - 优雅关闭：Close 方法安全释放底层 Redis 连接。
  - 错误语义：提供 ErrCacheMiss 哨兵错误与 IsCacheMiss 判断函数。
*/
package cache
