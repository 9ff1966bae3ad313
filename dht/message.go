package dht

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/dep2p/kademlia/pkg/lib/crypto"
)

// MessageKind 枚举 4.G 节描述的封闭消息变体集合，替代对消息体字段的
// 运行时类型探测（9 节重构笔记）。
type MessageKind uint8

const (
	KindPing MessageKind = iota + 1
	KindPong
	KindStore
	KindStoreOK
	KindStoreErr
	KindFindNode
	KindNodes
	KindFindValue
	KindValue
	KindError
)

// String 返回消息种类的线上名称。
func (k MessageKind) String() string {
	switch k {
	case KindPing:
		return "PING"
	case KindPong:
		return "PONG"
	case KindStore:
		return "STORE"
	case KindStoreOK:
		return "STORE_OK"
	case KindStoreErr:
		return "STORE_ERR"
	case KindFindNode:
		return "FIND_NODE"
	case KindNodes:
		return "NODES"
	case KindFindValue:
		return "FIND_VALUE"
	case KindValue:
		return "VALUE"
	case KindError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// WireContact 是联系人在线上的表示形式。
type WireContact struct {
	ID              ID     `json:"id"`
	Address         string `json:"address"`
	ProtocolVersion uint32 `json:"protocol_version"`
}

// ToContact 把线上联系人转换为内部 Contact（last-seen 留给调用方设置）。
func (w WireContact) ToContact() *Contact {
	return &Contact{ID: w.ID, Address: w.Address, ProtocolVersion: w.ProtocolVersion}
}

// WireContactFrom 把内部 Contact 转换为线上表示。
func WireContactFrom(c *Contact) WireContact {
	return WireContact{ID: c.ID, Address: c.Address, ProtocolVersion: c.ProtocolVersion}
}

// WireItem 是 Item 在线上的表示形式，字段与 Item 一一对应。
type WireItem struct {
	Value       []byte     `json:"value"`
	Timestamp   int64      `json:"timestamp"`
	Expires     int64      `json:"expires"`
	Name        string     `json:"name"`
	Meta        []MetaPair `json:"meta,omitempty"`
	CreatedWith uint32     `json:"created_with"`
	PublicKey   []byte     `json:"public_key"`
	Sig         []byte     `json:"sig"`
	Key         ID         `json:"key"`
}

// FromItem 把内部 Item 转换为线上表示。
func FromItem(it *Item) WireItem {
	return WireItem{
		Value:       it.Value,
		Timestamp:   it.Timestamp,
		Expires:     it.Expires,
		Name:        it.Name,
		Meta:        it.Meta,
		CreatedWith: it.CreatedWith,
		PublicKey:   it.PublicKey,
		Sig:         it.Sig,
		Key:         it.Key,
	}
}

// ToItem 把线上条目转换回内部 Item。
func (w WireItem) ToItem() *Item {
	return &Item{
		Value:       w.Value,
		Timestamp:   w.Timestamp,
		Expires:     w.Expires,
		Name:        w.Name,
		Meta:        w.Meta,
		CreatedWith: w.CreatedWith,
		PublicKey:   w.PublicKey,
		Sig:         w.Sig,
		Key:         w.Key,
	}
}

// Payload 类型集合：每种消息种类对应唯一的静态类型负载。

type PingPayload struct{}

type PongPayload struct{}

type StorePayload struct {
	Item WireItem `json:"item"`
}

type StoreOKPayload struct{}

type StoreErrPayload struct {
	Reason string `json:"reason"`
}

type FindNodePayload struct {
	Target ID `json:"target"`
}

type NodesPayload struct {
	Contacts []WireContact `json:"contacts"`
}

type FindValuePayload struct {
	Target ID `json:"target"`
}

type ValuePayload struct {
	Item WireItem `json:"item"`
}

type ErrorPayload struct {
	Code         ErrorCode `json:"code"`
	Detail       string    `json:"detail"`
	OriginalUUID string    `json:"original_uuid"`
}

// Message 是一帧完整的线上消息：固定的信封字段加上一段按 Kind 区分的
// 静态类型负载。信封字段与负载共同组成签名覆盖的规范化字节流；Sig 字段
// 本身被排除在外（6 节"wire format"）。
type Message struct {
	Kind            MessageKind     `json:"kind"`
	UUID            string          `json:"uuid"`
	SenderID        ID              `json:"sender_id"`
	SenderPublicKey []byte          `json:"sender_public_key"`
	Version         uint32          `json:"version"`
	ReplyPort       string          `json:"reply_port"`
	Payload         json.RawMessage `json:"payload"`
	Sig             []byte          `json:"sig,omitempty"`
}

// newEnvelope 构造一个待签名的消息信封，负载序列化为 JSON 并塞入 Payload。
func newEnvelope(kind MessageKind, senderID ID, senderPub []byte, version uint32, replyPort string, payload any) (*Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("dht: encode payload: %w", err)
	}
	return &Message{
		Kind:            kind,
		UUID:            uuid.NewString(),
		SenderID:        senderID,
		SenderPublicKey: senderPub,
		Version:         version,
		ReplyPort:       replyPort,
		Payload:         raw,
	}, nil
}

// signingBytes 返回消息签名覆盖的规范化字节流：信封字段（Sig 除外）与
// 原始负载字节的固定顺序串接。
func (m *Message) signingBytes() []byte {
	buf := new(bytes.Buffer)
	var kindByte [1]byte
	kindByte[0] = byte(m.Kind)
	buf.Write(kindByte[:])
	buf.Write(canonBytes([]byte(m.UUID)))
	buf.Write(canonBytes(m.SenderID[:]))
	buf.Write(canonBytes(m.SenderPublicKey))
	var version [4]byte
	binary.BigEndian.PutUint32(version[:], m.Version)
	buf.Write(version[:])
	buf.Write(canonBytes([]byte(m.ReplyPort)))
	buf.Write(canonBytes(m.Payload))
	return buf.Bytes()
}

// Sign 用发送者私钥对信封签名，填充 Sig 字段。
func (m *Message) Sign(priv crypto.PrivateKey) error {
	sig, err := priv.Sign(m.signingBytes())
	if err != nil {
		return err
	}
	m.Sig = sig
	return nil
}

// Verify 校验消息签名是否对应 SenderPublicKey；签名不合法时返回
// ErrMessageBadSignature。
func (m *Message) Verify() error {
	if len(m.SenderPublicKey) == 0 || len(m.Sig) == 0 {
		return ErrBadFrame
	}
	pub, err := crypto.UnmarshalPublicKeyBytes(m.SenderPublicKey)
	if err != nil {
		return ErrBadFrame
	}
	valid, err := pub.Verify(m.signingBytes(), m.Sig)
	if err != nil || !valid {
		return ErrMessageBadSignature
	}
	return nil
}

// Encode 序列化消息为自描述的字节帧。
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage 从字节帧解析消息；不做签名校验，调用方必须随后调用 Verify。
func DecodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	return &m, nil
}

// DecodePayload 把消息的原始负载解析到具体的静态类型里。
func DecodePayload[T any](m *Message) (T, error) {
	var payload T
	if err := json.Unmarshal(m.Payload, &payload); err != nil {
		return payload, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	return payload, nil
}

// 构造器：每个都产出一条已编码负载、待签名的消息。

func NewPing(senderID ID, senderPub []byte, version uint32, replyPort string) (*Message, error) {
	return newEnvelope(KindPing, senderID, senderPub, version, replyPort, PingPayload{})
}

func NewPong(senderID ID, senderPub []byte, version uint32, replyPort string) (*Message, error) {
	return newEnvelope(KindPong, senderID, senderPub, version, replyPort, PongPayload{})
}

func NewStoreMessage(senderID ID, senderPub []byte, version uint32, replyPort string, it *Item) (*Message, error) {
	return newEnvelope(KindStore, senderID, senderPub, version, replyPort, StorePayload{Item: FromItem(it)})
}

func NewStoreOK(senderID ID, senderPub []byte, version uint32, replyPort string) (*Message, error) {
	return newEnvelope(KindStoreOK, senderID, senderPub, version, replyPort, StoreOKPayload{})
}

func NewStoreErr(senderID ID, senderPub []byte, version uint32, replyPort string, reason string) (*Message, error) {
	return newEnvelope(KindStoreErr, senderID, senderPub, version, replyPort, StoreErrPayload{Reason: reason})
}

func NewFindNode(senderID ID, senderPub []byte, version uint32, replyPort string, target ID) (*Message, error) {
	return newEnvelope(KindFindNode, senderID, senderPub, version, replyPort, FindNodePayload{Target: target})
}

func NewNodes(senderID ID, senderPub []byte, version uint32, replyPort string, contacts []*Contact) (*Message, error) {
	wire := make([]WireContact, len(contacts))
	for i, c := range contacts {
		wire[i] = WireContactFrom(c)
	}
	return newEnvelope(KindNodes, senderID, senderPub, version, replyPort, NodesPayload{Contacts: wire})
}

func NewFindValue(senderID ID, senderPub []byte, version uint32, replyPort string, target ID) (*Message, error) {
	return newEnvelope(KindFindValue, senderID, senderPub, version, replyPort, FindValuePayload{Target: target})
}

func NewValue(senderID ID, senderPub []byte, version uint32, replyPort string, it *Item) (*Message, error) {
	return newEnvelope(KindValue, senderID, senderPub, version, replyPort, ValuePayload{Item: FromItem(it)})
}

func NewErrorMessage(senderID ID, senderPub []byte, version uint32, replyPort string, code ErrorCode, detail, originalUUID string) (*Message, error) {
	return newEnvelope(KindError, senderID, senderPub, version, replyPort, ErrorPayload{
		Code:         code,
		Detail:       detail,
		OriginalUUID: originalUUID,
	})
}
