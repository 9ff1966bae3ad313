// Package dht 实现基于 Kademlia 的分布式哈希表核心引擎。
//
// 节点以 512 位标识符组织在同一个 XOR 键空间中；每个存入网络的条目都携带
// 创建者私钥的签名，任何接收者都能在不信任中间节点的前提下验证其来源与完整性。
//
// 本包只实现 DHT 的核心部分：路由表、迭代查找、签名条目的数据模型及其本地
// 存储（缓存、重新发布、过期、替换策略），以及驱动这些流程的请求/响应关联层。
// 传输层、命令行入口、配置加载等均由嵌入方提供，见 Transport、Clock、RNG。
package dht
