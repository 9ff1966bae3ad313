package dht

import (
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"math/big"
	"math/bits"

	"github.com/dep2p/kademlia/pkg/types"
)

// IDBits 是标识符的位宽：512 位，对应 SHA-512 摘要长度。
const IDBits = 512

// IDLen 是标识符的字节长度。
const IDLen = IDBits / 8

// ID 是一个 512 位无符号整数，通常由 SHA-512 生成，大端序解释。
type ID [IDLen]byte

// ZeroID 是全零标识符，不是任何密钥哈希的合法输出，但用作"未设置"的哨兵值。
var ZeroID ID

// HashToID 对任意字节串做 SHA-512，结果即为一个标识符。
func HashToID(data []byte) ID {
	sum := sha512.Sum512(data)
	return ID(sum)
}

// IDFromBytes 从恰好 IDLen 字节构造 ID。
func IDFromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != IDLen {
		return id, fmt.Errorf("dht: id must be %d bytes, got %d", IDLen, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Bytes 返回标识符的字节表示（副本）。
func (id ID) Bytes() []byte {
	b := make([]byte, IDLen)
	copy(b, id[:])
	return b
}

// String 返回标识符的 Base58 编码，便于日志输出。
func (id ID) String() string {
	return types.Base58Encode(id[:])
}

// ShortString 返回截短后的字符串表示，用于日志中减少噪音。
func (id ID) ShortString() string {
	s := id.String()
	if len(s) <= 12 {
		return s
	}
	return s[:12]
}

// Equal 比较两个标识符是否相同。
func (id ID) Equal(other ID) bool {
	return id == other
}

// IsZero 判断标识符是否为全零值。
func (id ID) IsZero() bool {
	return id == ZeroID
}

// Int 将标识符解释为大端序大整数，主要供路由表做区间运算。
func (id ID) Int() *big.Int {
	return new(big.Int).SetBytes(id[:])
}

// IDFromInt 将大整数转换回 512 位标识符，超出范围的高位被截断。
func IDFromInt(x *big.Int) ID {
	var id ID
	b := x.Bytes()
	if len(b) > IDLen {
		b = b[len(b)-IDLen:]
	}
	copy(id[IDLen-len(b):], b)
	return id
}

// Distance 返回 a 与 b 的 XOR 距离：两个标识符按位异或，值越小越近。
func Distance(a, b ID) ID {
	var d ID
	for i := range a {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// Less 将 a、b 当作大端序 512 位整数比较，报告 a < b。
func Less(a, b ID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// CommonPrefixLen 返回该标识符（通常是一段距离）中前导零位的数量（0..512）。
func (id ID) CommonPrefixLen() int {
	n := 0
	for _, b := range id {
		if b == 0 {
			n += 8
			continue
		}
		n += bits.LeadingZeros8(b)
		break
	}
	return n
}

// MarshalText 以十六进制输出标识符，供消息层的 JSON 线上格式使用。
func (id ID) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(id[:])), nil
}

// UnmarshalText 从十六进制字符串解析标识符。
func (id *ID) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("dht: invalid id hex: %w", err)
	}
	if len(b) != IDLen {
		return fmt.Errorf("dht: id must be %d bytes, got %d", IDLen, len(b))
	}
	copy(id[:], b)
	return nil
}

// BucketIndex 计算 x 相对于 self 的路由表桶下标：
//
//	512 - 1 - floor(log2(x XOR self))
//
// 这等价于 distance(self, x) 的前导零位数。x == self 时未定义，ok 返回 false。
func BucketIndex(self, x ID) (int, bool) {
	d := Distance(self, x)
	if d.IsZero() {
		return 0, false
	}
	return d.CommonPrefixLen(), true
}
