// 版权所有 2024 AgentTeam Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 cache 管理节点共享的 Redis 连接，供分布式去重窗口等状态使用。

# 核心类型

  - Manager：持有 go-redis 客户端与连接池配置，提供 SetNX/Exists/Ping
    等操作，后台定时健康检查，Close 时安全释放连接。
  - Config：地址、密码、连接池大小与健康检查间隔。
*/
package cache
