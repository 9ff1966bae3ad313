// Package crypto 提供签名用的密码学工具
//
// 本包提供密钥生成、签名验证和序列化等核心密码学功能。
//
// # 支持的密钥类型
//
//   - Ed25519（唯一支持的类型）：高性能椭圆曲线签名，用于对条目和消息签名
//
// # 快速开始
//
// 生成密钥对：
//
//	priv, pub, err := crypto.GenerateKeyPair(crypto.KeyTypeEd25519)
//
// 签名和验证：
//
//	sig, err := crypto.Sign(priv, data)
//	valid, err := crypto.Verify(pub, data, sig)
//
// # 安全特性
//
//   - 常量时间比较防止时序攻击
package crypto
