package dht

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dep2p/kademlia/pkg/lib/crypto"
)

func TestMessageSignVerifyRoundTrip(t *testing.T) {
	priv, pub := genKeyPair(t)
	pubRaw, err := crypto.MarshalPublicKey(pub)
	require.NoError(t, err)

	id := HashToID([]byte("node-a"))
	msg, err := NewFindNode(id, pubRaw, 1, "127.0.0.1:9000", HashToID([]byte("target")))
	require.NoError(t, err)
	require.NoError(t, msg.Sign(priv))
	require.NoError(t, msg.Verify())
}

func TestMessageVerifyRejectsTampering(t *testing.T) {
	priv, pub := genKeyPair(t)
	pubRaw, err := crypto.MarshalPublicKey(pub)
	require.NoError(t, err)

	id := HashToID([]byte("node-a"))
	msg, err := NewPing(id, pubRaw, 1, "127.0.0.1:9000")
	require.NoError(t, err)
	require.NoError(t, msg.Sign(priv))

	msg.ReplyPort = "127.0.0.1:9999"
	require.ErrorIs(t, msg.Verify(), ErrMessageBadSignature)
}

func TestMessageVerifyRejectsMissingSignature(t *testing.T) {
	id := HashToID([]byte("node-a"))
	msg, err := NewPing(id, []byte("not-a-real-key"), 1, "")
	require.NoError(t, err)
	require.ErrorIs(t, msg.Verify(), ErrBadFrame)
}

func TestMessageEncodeDecodeRoundTrip(t *testing.T) {
	priv, pub := genKeyPair(t)
	pubRaw, err := crypto.MarshalPublicKey(pub)
	require.NoError(t, err)

	id := HashToID([]byte("node-a"))
	target := HashToID([]byte("target"))
	msg, err := NewFindNode(id, pubRaw, 1, "127.0.0.1:9000", target)
	require.NoError(t, err)
	require.NoError(t, msg.Sign(priv))

	encoded, err := msg.Encode()
	require.NoError(t, err)

	decoded, err := DecodeMessage(encoded)
	require.NoError(t, err)
	require.NoError(t, decoded.Verify())
	require.Equal(t, msg.UUID, decoded.UUID)

	payload, err := DecodePayload[FindNodePayload](decoded)
	require.NoError(t, err)
	require.Equal(t, target, payload.Target)
}

func TestNewNodesCarriesContacts(t *testing.T) {
	id := HashToID([]byte("node-a"))
	c1 := NewContact(HashToID([]byte("peer-1")), "10.0.0.1:1", 1, time.Now())
	c2 := NewContact(HashToID([]byte("peer-2")), "10.0.0.2:2", 1, time.Now())

	msg, err := NewNodes(id, nil, 1, "", []*Contact{c1, c2})
	require.NoError(t, err)

	payload, err := DecodePayload[NodesPayload](msg)
	require.NoError(t, err)
	require.Len(t, payload.Contacts, 2)
	require.Equal(t, c1.ID, payload.Contacts[0].ID)
	require.Equal(t, c1.Address, payload.Contacts[0].Address)
}

func TestWireItemRoundTrip(t *testing.T) {
	priv, _ := genKeyPair(t)
	it, err := BuildItem(priv, []byte("v"), "n", 0, []MetaPair{{Key: "a", Value: "b"}}, 1, time.Now())
	require.NoError(t, err)

	wire := FromItem(it)
	back := wire.ToItem()
	require.Equal(t, it.Key, back.Key)
	require.Equal(t, it.Sig, back.Sig)
	require.Equal(t, it.Value, back.Value)
}

func TestErrorMessagePayload(t *testing.T) {
	id := HashToID([]byte("node-a"))
	msg, err := NewErrorMessage(id, nil, 1, "", ErrCodeSignature, "bad sig", "orig-uuid")
	require.NoError(t, err)

	payload, err := DecodePayload[ErrorPayload](msg)
	require.NoError(t, err)
	require.Equal(t, ErrCodeSignature, payload.Code)
	require.Equal(t, "orig-uuid", payload.OriginalUUID)
}
