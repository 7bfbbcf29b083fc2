package electrum

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/electrumd/electrumd/chaindb"
)

// stubBackend is a scriptable Backend for server tests.
type stubBackend struct {
	mtx sync.Mutex

	headers []*wire.BlockHeader
	history map[chaindb.ScriptHash][]HistoryEntry
	txs     map[chainhash.Hash][]byte

	merklePos    uint32
	merkleBranch []chainhash.Hash

	histogram   [][2]float64
	feeEstimate float64
	relayFee    float64

	broadcasted [][]byte
}

func newStubBackend() *stubBackend {
	b := &stubBackend{
		history:     make(map[chaindb.ScriptHash][]HistoryEntry),
		txs:         make(map[chainhash.Hash][]byte),
		feeEstimate: 0.0002,
		relayFee:    0.00001,
	}
	b.addHeader()
	return b
}

// addHeader appends a linked header and returns its height.
func (b *stubBackend) addHeader() uint32 {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	header := &wire.BlockHeader{
		Version: 1,
		Bits:    0x1d00ffff,
		Nonce:   uint32(len(b.headers)),
	}
	if len(b.headers) > 0 {
		header.PrevBlock = b.headers[len(b.headers)-1].BlockHash()
	}
	b.headers = append(b.headers, header)
	return uint32(len(b.headers) - 1)
}

func (b *stubBackend) setHistory(sh chaindb.ScriptHash,
	entries []HistoryEntry) {

	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.history[sh] = entries
}

func (b *stubBackend) Tip() (uint32, *wire.BlockHeader, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	height := uint32(len(b.headers) - 1)
	return height, b.headers[height], nil
}

func (b *stubBackend) HeaderByHeight(height uint32) (*wire.BlockHeader,
	error) {

	b.mtx.Lock()
	defer b.mtx.Unlock()
	if int(height) >= len(b.headers) {
		return nil, fmt.Errorf("no header at height %d", height)
	}
	return b.headers[height], nil
}

func (b *stubBackend) History(sh chaindb.ScriptHash) ([]HistoryEntry,
	error) {

	b.mtx.Lock()
	defer b.mtx.Unlock()
	return append([]HistoryEntry(nil), b.history[sh]...), nil
}

func (b *stubBackend) Transaction(txid *chainhash.Hash) ([]byte, int32,
	error) {

	b.mtx.Lock()
	defer b.mtx.Unlock()
	raw, ok := b.txs[*txid]
	if !ok {
		return nil, 0, fmt.Errorf("unknown transaction %v", txid)
	}
	return raw, 1, nil
}

func (b *stubBackend) MerkleProof(txid *chainhash.Hash,
	height uint32) (uint32, []chainhash.Hash, error) {

	b.mtx.Lock()
	defer b.mtx.Unlock()
	if _, ok := b.txs[*txid]; !ok {
		return 0, nil, fmt.Errorf("unknown transaction %v", txid)
	}
	return b.merklePos, b.merkleBranch, nil
}

func (b *stubBackend) FeeHistogram() ([][2]float64, error) {
	return b.histogram, nil
}

func (b *stubBackend) EstimateFee(target int64) (float64, error) {
	return b.feeEstimate, nil
}

func (b *stubBackend) RelayFee() (float64, error) {
	return b.relayFee, nil
}

func (b *stubBackend) Broadcast(rawTx []byte) (*chainhash.Hash, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.broadcasted = append(b.broadcasted, rawTx)
	txid := chainhash.DoubleHashH(rawTx)
	return &txid, nil
}

// message is a decoded server-to-client line: either a response or a
// notification.
type message struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// testClient is a raw protocol client against a test server.
type testClient struct {
	t      *testing.T
	nc     net.Conn
	reader *bufio.Reader
	nextID int
}

func newTestServer(t *testing.T,
	backend Backend) (*Server, *testClient) {

	t.Helper()

	server := NewServer(&Config{
		ListenAddr: "127.0.0.1:0",
		Backend:    backend,
		Banner:     "test banner",
	})
	require.NoError(t, server.Start())
	t.Cleanup(func() { require.NoError(t, server.Stop()) })

	return server, newClient(t, server)
}

func newClient(t *testing.T, server *Server) *testClient {
	t.Helper()

	nc, err := net.Dial("tcp", server.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { nc.Close() })

	return &testClient{t: t, nc: nc, reader: bufio.NewReader(nc)}
}

// sendRaw writes one raw request line.
func (c *testClient) sendRaw(line string) {
	c.t.Helper()
	_, err := c.nc.Write([]byte(line + "\n"))
	require.NoError(c.t, err)
}

// read returns the next server message.
func (c *testClient) read() *message {
	c.t.Helper()

	require.NoError(c.t,
		c.nc.SetReadDeadline(time.Now().Add(5*time.Second)))
	line, err := c.reader.ReadBytes('\n')
	require.NoError(c.t, err)

	var msg message
	require.NoError(c.t, json.Unmarshal(line, &msg))
	return &msg
}

// expectNone asserts that no message arrives within the wait window.
func (c *testClient) expectNone(wait time.Duration) {
	c.t.Helper()

	require.NoError(c.t, c.nc.SetReadDeadline(time.Now().Add(wait)))
	_, err := c.reader.ReadBytes('\n')
	netErr, ok := err.(net.Error)
	require.True(c.t, ok && netErr.Timeout(),
		"expected silence, got %v", err)
}

// call performs one request and returns the response.
func (c *testClient) call(method string, params ...interface{}) *message {
	c.t.Helper()

	c.nextID++
	req, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      c.nextID,
		"method":  method,
		"params":  params,
	})
	require.NoError(c.t, err)
	c.sendRaw(string(req))

	msg := c.read()
	require.Equal(c.t, json.RawMessage(fmt.Sprintf("%d", c.nextID)),
		msg.ID)
	return msg
}

// result decodes a successful response's result into dst.
func (c *testClient) result(msg *message, dst interface{}) {
	c.t.Helper()
	require.Nil(c.t, msg.Error)
	require.NoError(c.t, json.Unmarshal(msg.Result, dst))
}

// TestServerDispatch exercises the session methods, unknown methods, and
// malformed requests.
func TestServerDispatch(t *testing.T) {
	backend := newStubBackend()
	backend.histogram = [][2]float64{{4, 110_000}}
	_, client := newTestServer(t, backend)

	var version []string
	client.result(client.call("server.version", "testclient", "1.4"),
		&version)
	require.Equal(t, ProtocolVersion, version[1])

	// A protocol range that doesn't include ours fails the handshake.
	msg := client.call("server.version", "testclient",
		[]string{"1.0", "1.2"})
	require.NotNil(t, msg.Error)

	require.Equal(t, json.RawMessage("null"),
		client.call("server.ping").Result)

	var banner string
	client.result(client.call("server.banner"), &banner)
	require.Equal(t, "test banner", banner)

	require.Equal(t, json.RawMessage("null"),
		client.call("server.donation_address").Result)

	var peers []interface{}
	client.result(client.call("server.peers.subscribe"), &peers)
	require.Empty(t, peers)

	msg = client.call("no.such.method")
	require.NotNil(t, msg.Error)
	require.Contains(t, msg.Error.Message, "no.such.method")

	var fee float64
	client.result(client.call("blockchain.estimatefee", 6), &fee)
	require.Equal(t, backend.feeEstimate, fee)
	client.result(client.call("blockchain.relayfee"), &fee)
	require.Equal(t, backend.relayFee, fee)

	var histogram [][2]float64
	client.result(client.call("mempool.get_fee_histogram"), &histogram)
	require.Equal(t, backend.histogram, histogram)

	// Malformed JSON: structured error with a null id, connection stays
	// usable.
	client.sendRaw(`{"id":`)
	reply := client.read()
	require.Equal(t, json.RawMessage("null"), reply.ID)
	require.NotNil(t, reply.Error)

	client.result(client.call("server.banner"), &banner)
	require.Equal(t, "test banner", banner)
}

// TestScriptHashMethods checks get_history shape and the subscription
// lifecycle.
func TestScriptHashMethods(t *testing.T) {
	backend := newStubBackend()
	_, client := newTestServer(t, backend)

	sh := chaindb.NewScriptHash([]byte{0x51})
	entries := []HistoryEntry{
		{TxID: chainhash.HashH([]byte("a")), Height: 3},
		{TxID: chainhash.HashH([]byte("b")), Height: 10},
		{TxID: chainhash.HashH([]byte("c")), Height: 0, Fee: 420},
	}
	backend.setHistory(sh, entries)

	var items []struct {
		TxHash string `json:"tx_hash"`
		Height int32  `json:"height"`
		Fee    int64  `json:"fee"`
	}
	client.result(client.call("blockchain.scripthash.get_history",
		sh.String()), &items)
	require.Len(t, items, 3)
	require.Equal(t, entries[0].TxID.String(), items[0].TxHash)
	require.Equal(t, int32(3), items[0].Height)
	require.Zero(t, items[0].Fee)
	require.Equal(t, int32(0), items[2].Height)
	require.Equal(t, int64(420), items[2].Fee)

	// Subscribing returns the current status.
	var status string
	client.result(client.call("blockchain.scripthash.subscribe",
		sh.String()), &status)
	require.Equal(t, StatusHash(entries), status)

	// A fingerprint without history subscribes with a null status.
	empty := chaindb.NewScriptHash([]byte{0x52})
	msg := client.call("blockchain.scripthash.subscribe", empty.String())
	require.Nil(t, msg.Error)
	require.Equal(t, json.RawMessage("null"), msg.Result)

	var ok bool
	client.result(client.call("blockchain.scripthash.unsubscribe",
		sh.String()), &ok)
	require.True(t, ok)
	client.result(client.call("blockchain.scripthash.unsubscribe",
		sh.String()), &ok)
	require.False(t, ok)

	// Bad fingerprint parameter: structured error.
	msg = client.call("blockchain.scripthash.get_history", "nonsense")
	require.NotNil(t, msg.Error)
}

// TestHeaderMethods checks block.header, block.headers and the initial
// headers.subscribe response.
func TestHeaderMethods(t *testing.T) {
	backend := newStubBackend()
	backend.addHeader()
	backend.addHeader()
	_, client := newTestServer(t, backend)

	headerHex := func(height uint32) string {
		header, err := backend.HeaderByHeight(height)
		require.NoError(t, err)
		var buf bytes.Buffer
		require.NoError(t, header.Serialize(&buf))
		return hex.EncodeToString(buf.Bytes())
	}

	var headerStr string
	client.result(client.call("blockchain.block.header", 1), &headerStr)
	require.Equal(t, headerHex(1), headerStr)

	msg := client.call("blockchain.block.header", 99)
	require.NotNil(t, msg.Error)

	var chunk struct {
		Count uint32 `json:"count"`
		Hex   string `json:"hex"`
		Max   int    `json:"max"`
	}
	client.result(client.call("blockchain.block.headers", 1, 500),
		&chunk)
	require.Equal(t, uint32(2), chunk.Count)
	require.Equal(t, headerHex(1)+headerHex(2), chunk.Hex)
	require.Equal(t, 2016, chunk.Max)

	client.result(client.call("blockchain.block.headers", 10, 5), &chunk)
	require.Zero(t, chunk.Count)
	require.Empty(t, chunk.Hex)

	var tip struct {
		Hex    string `json:"hex"`
		Height uint32 `json:"height"`
	}
	client.result(client.call("blockchain.headers.subscribe"), &tip)
	require.Equal(t, uint32(2), tip.Height)
	require.Equal(t, headerHex(2), tip.Hex)
}

// TestTransactionMethods checks transaction.get, get_merkle and broadcast.
func TestTransactionMethods(t *testing.T) {
	backend := newStubBackend()
	_, client := newTestServer(t, backend)

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{})
	tx.AddTxOut(&wire.TxOut{Value: 1000, PkScript: []byte{0x51}})
	var buf bytes.Buffer
	require.NoError(t, tx.Serialize(&buf))
	raw := buf.Bytes()

	txid := tx.TxHash()
	backend.txs[txid] = raw
	backend.merklePos = 1
	backend.merkleBranch = []chainhash.Hash{chainhash.HashH([]byte("m"))}

	var txHex string
	client.result(client.call("blockchain.transaction.get",
		txid.String()), &txHex)
	require.Equal(t, hex.EncodeToString(raw), txHex)

	msg := client.call("blockchain.transaction.get", txid.String(), true)
	require.NotNil(t, msg.Error)

	var proof struct {
		BlockHeight uint32   `json:"block_height"`
		Merkle      []string `json:"merkle"`
		Pos         uint32   `json:"pos"`
	}
	client.result(client.call("blockchain.transaction.get_merkle",
		txid.String(), 1), &proof)
	require.Equal(t, uint32(1), proof.BlockHeight)
	require.Equal(t, uint32(1), proof.Pos)
	require.Equal(t,
		[]string{backend.merkleBranch[0].String()}, proof.Merkle)

	var broadcastID string
	client.result(client.call("blockchain.transaction.broadcast",
		hex.EncodeToString(raw)), &broadcastID)
	require.Equal(t, chainhash.DoubleHashH(raw).String(), broadcastID)
	require.Equal(t, [][]byte{raw}, backend.broadcasted)

	msg = client.call("blockchain.transaction.broadcast", "zz")
	require.NotNil(t, msg.Error)
}

// TestNotifications checks the push path: status change fan-out, status
// hash dedup, and tip notifications.
func TestNotifications(t *testing.T) {
	backend := newStubBackend()
	server, client := newTestServer(t, backend)

	sh := chaindb.NewScriptHash([]byte{0x51})
	entries := []HistoryEntry{
		{TxID: chainhash.HashH([]byte("a")), Height: 3},
	}
	backend.setHistory(sh, entries)

	var status string
	client.result(client.call("blockchain.scripthash.subscribe",
		sh.String()), &status)

	var tip struct {
		Hex    string `json:"hex"`
		Height uint32 `json:"height"`
	}
	client.result(client.call("blockchain.headers.subscribe"), &tip)

	// An update that doesn't touch the subscription produces nothing.
	other := chaindb.NewScriptHash([]byte{0x99})
	server.Notify(Update{
		Scripts: map[chaindb.ScriptHash]struct{}{other: {}},
	})
	client.expectNone(200 * time.Millisecond)

	// The history changes: one notification with the new status.
	entries = append(entries, HistoryEntry{
		TxID: chainhash.HashH([]byte("b")), Height: 7,
	})
	backend.setHistory(sh, entries)
	server.Notify(Update{
		Scripts: map[chaindb.ScriptHash]struct{}{sh: {}},
	})

	note := client.read()
	require.Equal(t, "blockchain.scripthash.subscribe", note.Method)
	var params []string
	require.NoError(t, json.Unmarshal(note.Params, &params))
	require.Equal(t, sh.String(), params[0])
	require.Equal(t, StatusHash(entries), params[1])

	// Same history reported again: the status hash matches the last one
	// sent, so nothing is pushed.
	server.Notify(Update{
		Scripts: map[chaindb.ScriptHash]struct{}{sh: {}},
	})
	client.expectNone(200 * time.Millisecond)

	// Tip advance: one headers notification, deduped on repeat.
	newTip := backend.addHeader()
	server.Notify(Update{TipChanged: true})

	note = client.read()
	require.Equal(t, "blockchain.headers.subscribe", note.Method)
	var tipParams []struct {
		Hex    string `json:"hex"`
		Height uint32 `json:"height"`
	}
	require.NoError(t, json.Unmarshal(note.Params, &tipParams))
	require.Len(t, tipParams, 1)
	require.Equal(t, newTip, tipParams[0].Height)

	server.Notify(Update{TipChanged: true})
	client.expectNone(200 * time.Millisecond)
}
