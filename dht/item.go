package dht

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/dep2p/kademlia/pkg/lib/crypto"
)

// MetaPair 是条目元数据中的一个有序 (string, string) 对。
type MetaPair struct {
	Key   string
	Value string
}

// Item 是一条自验证的签名键值记录（3 节"Signed item"）。
//
// key 字段由 public_key 与 name 的规范化串接物计算得出，
// sig 字段覆盖除 sig、key 之外的全部字段的规范化串接物。
type Item struct {
	Value       []byte
	Timestamp   int64 // 创建者墙钟时间，UnixNano
	Expires     int64 // UnixNano，0 表示永不过期
	Name        string
	Meta        []MetaPair
	CreatedWith uint32 // 协议版本
	PublicKey   []byte // crypto.MarshalPublicKey 输出
	Sig         []byte
	Key         ID
}

// canonBytes 对单个字节串做规范化的长度前缀编码：4 字节大端长度 + 原始数据。
func canonBytes(b []byte) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	out := make([]byte, 0, 4+len(b))
	out = append(out, lenBuf[:]...)
	out = append(out, b...)
	return out
}

// canonInt64LE 把一个 64 位整数按小端序编码——4.B 要求"整数时间戳小端 64 位"。
func canonInt64LE(v int64) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	return buf[:]
}

// DeriveKey 计算 key = SHA512(canon(public_key) || canon(name))。
func DeriveKey(publicKey []byte, name string) ID {
	buf := make([]byte, 0, len(publicKey)+len(name)+8)
	buf = append(buf, canonBytes(publicKey)...)
	buf = append(buf, canonBytes([]byte(name))...)
	return HashToID(buf)
}

// signingBytes 返回签名覆盖的规范化字节流：按 4.B 列出的固定字段顺序
// （value、timestamp、expires、name、meta、created_with、public_key），
// 不包含 sig 与 key 本身。
func (it *Item) signingBytes() []byte {
	buf := new(bytes.Buffer)
	buf.Write(canonBytes(it.Value))
	buf.Write(canonInt64LE(it.Timestamp))
	buf.Write(canonInt64LE(it.Expires))
	buf.Write(canonBytes([]byte(it.Name)))

	var metaLen [4]byte
	binary.BigEndian.PutUint32(metaLen[:], uint32(len(it.Meta)))
	buf.Write(metaLen[:])
	for _, p := range it.Meta {
		buf.Write(canonBytes([]byte(p.Key)))
		buf.Write(canonBytes([]byte(p.Value)))
	}

	var version [4]byte
	binary.BigEndian.PutUint32(version[:], it.CreatedWith)
	buf.Write(version[:])
	buf.Write(canonBytes(it.PublicKey))
	return buf.Bytes()
}

// Canonical 返回该条目签名字段的规范化字节流，供持久化或对比使用；
// 对相等的逻辑值，重新序列化永远得到相同的字节（8 节"fixed point"属性）。
func (it *Item) Canonical() []byte {
	return it.signingBytes()
}

// BuildItem 按 4.B 的 build 过程构造并签名一条完整条目：计算时间戳、签名、
// 派生 key。
func BuildItem(priv crypto.PrivateKey, value []byte, name string, expires int64, meta []MetaPair, version uint32, now time.Time) (*Item, error) {
	if priv == nil {
		return nil, ErrMalformedItem
	}

	pubRaw, err := crypto.MarshalPublicKey(priv.GetPublic())
	if err != nil {
		return nil, err
	}

	it := &Item{
		Value:       value,
		Timestamp:   now.UnixNano(),
		Expires:     expires,
		Name:        name,
		Meta:        meta,
		CreatedWith: version,
		PublicKey:   pubRaw,
	}

	sig, err := priv.Sign(it.signingBytes())
	if err != nil {
		return nil, err
	}
	it.Sig = sig
	it.Key = DeriveKey(pubRaw, name)
	return it, nil
}

// VerifyItem 实现 4.B 的 verify 过程，返回 nil 或 errors.go 中定义的
// 其中一个哨兵错误。所有失败都是终局性的：条目不得被存储或转发。
func VerifyItem(it *Item, now time.Time, skew time.Duration) error {
	if it == nil || it.Name == "" || len(it.PublicKey) == 0 || len(it.Sig) == 0 {
		return ErrMalformedItem
	}

	expectedKey := DeriveKey(it.PublicKey, it.Name)
	if !it.Key.Equal(expectedKey) {
		return ErrBadKey
	}

	pub, err := crypto.UnmarshalPublicKeyBytes(it.PublicKey)
	if err != nil {
		return ErrMalformedItem
	}

	valid, err := pub.Verify(it.signingBytes(), it.Sig)
	if err != nil || !valid {
		return ErrBadSignature
	}

	if it.Expires != 0 && it.Expires < now.UnixNano() {
		return ErrExpired
	}

	if it.Timestamp > now.Add(skew).UnixNano() {
		return ErrFutureTimestamp
	}

	return nil
}

// NewerThan 实现 3 节的排序规则：更大的 timestamp 胜出；时间戳相同时按
// 签名字节的字典序比较，为确定性而非语义正确性服务。
func (it *Item) NewerThan(other *Item) bool {
	if other == nil {
		return true
	}
	if it.Timestamp != other.Timestamp {
		return it.Timestamp > other.Timestamp
	}
	return bytes.Compare(it.Sig, other.Sig) > 0
}
