// Package journal 记录团队运行的生命周期迁移（started、rebound、degraded、
// auto_stopped、stopped），存储在 GORM 支持的 postgres、mysql 或 sqlite 中。
package journal
