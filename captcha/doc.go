/*
Package captcha 提供有界的验证码缓存，供自动化循环写入、操作员与调度器消费。

# 概述

Store 是组件边界：后端故障只记录日志，调用方得到空结果或 false。
写入超出容量时按 (CreatedAt, ID) 淘汰最旧的未使用记录，新写入的记录
永不被淘汰；超过 StaleAfter 的记录不会被 TakeNewest 返回；IsUsed 只在
消费时翻转一次。

# 后端

  - MemoryBackend: 进程内，互斥锁保护
  - SQLBackend:   GORM，条件 UPDATE 保证跨进程原子消费
  - RedisBackend: 哈希 + 有序集合，写入与消费由 Lua 脚本原子完成

# 淘汰模式

  - EvictOne:       每次写入最多淘汰一条（默认）
  - EvictToCapacity: 循环淘汰直到未使用数量回到容量以内
*/
package captcha
