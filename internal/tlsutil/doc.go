// Package tlsutil 提供节点间 HTTP 客户端的 TLS 配置（TLS 1.2+，仅 AEAD 密码套件），
// 支持额外信任私有 CA 证书。
package tlsutil
