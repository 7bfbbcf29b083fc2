package electrum

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/electrumd/electrumd/chaindb"
)

const (
	// ProtocolVersion is the Electrum protocol version the server
	// speaks.
	ProtocolVersion = "1.4"

	// serverID identifies this implementation in the version handshake.
	serverID = "electrumd 0.1.0"

	// maxHeaderChunk caps how many headers one blockchain.block.headers
	// call may return.
	maxHeaderChunk = 2016
)

// request is a single inbound JSON-RPC request. The correlation id is kept
// as raw JSON and echoed back untouched.
type request struct {
	ID      json.RawMessage `json:"id"`
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// rpcError is the structured error object of a failed request.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// historyItem is the wire shape of one get_history entry.
type historyItem struct {
	TxHash string `json:"tx_hash"`
	Height int32  `json:"height"`
	Fee    int64  `json:"fee,omitempty"`
}

// marshalLine serializes v followed by the protocol's line terminator.
func marshalLine(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}

	// json.Encoder already appends the newline.
	return buf.Bytes(), nil
}

// marshalNotification builds a JSON-RPC notification message.
func marshalNotification(method string,
	params []interface{}) ([]byte, error) {

	return marshalLine(map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
	})
}

// statusResult converts an internal status into its wire form: null for "no
// history".
func statusResult(status string) interface{} {
	if status == "" {
		return nil
	}
	return status
}

// tipResult is the result shape shared by blockchain.headers.subscribe
// responses and notifications.
func tipResult(height uint32, header *wire.BlockHeader) interface{} {
	var buf bytes.Buffer
	_ = header.Serialize(&buf)

	return map[string]interface{}{
		"hex":    hex.EncodeToString(buf.Bytes()),
		"height": height,
	}
}

// handleRequest parses one request line and dispatches it, producing the
// serialized response. A malformed request yields a structured error
// response, never a connection drop.
func (s *Server) handleRequest(c *conn, line []byte) []byte {
	var req request
	if err := json.Unmarshal(line, &req); err != nil {
		log.Debugf("Client %v sent malformed request: %v",
			c.nc.RemoteAddr(), err)
		return errorResponse(nil, fmt.Sprintf("invalid request: %v",
			err))
	}

	result, err := s.dispatch(c, &req)
	if err != nil {
		log.Debugf("RPC %s failed: %v", req.Method, err)
		return errorResponse(req.ID, fmt.Sprintf("RPC failed: %v",
			err))
	}

	msg, err := marshalLine(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      rawID(req.ID),
		"result":  result,
	})
	if err != nil {
		return errorResponse(req.ID, "internal error")
	}
	return msg
}

// errorResponse builds a serialized error response echoing the caller's
// correlation id.
func errorResponse(id json.RawMessage, message string) []byte {
	msg, err := marshalLine(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      rawID(id),
		"error":   &rpcError{Code: 1, Message: message},
	})
	if err != nil {
		// Static fallback, cannot fail.
		return []byte(`{"jsonrpc":"2.0","id":null,"error":` +
			`{"code":1,"message":"internal error"}}` + "\n")
	}
	return msg
}

// rawID echoes the caller-supplied id, defaulting to null.
func rawID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}

// dispatch routes a request to its method handler.
func (s *Server) dispatch(c *conn, req *request) (interface{}, error) {
	switch req.Method {
	case "server.version":
		return s.version(req.Params)
	case "server.ping":
		return nil, nil
	case "server.banner":
		return s.cfg.Banner, nil
	case "server.donation_address":
		return nil, nil
	case "server.peers.subscribe":
		return []interface{}{}, nil

	case "blockchain.scripthash.get_history":
		return s.scriptHashGetHistory(req.Params)
	case "blockchain.scripthash.subscribe":
		return s.scriptHashSubscribe(c, req.Params)
	case "blockchain.scripthash.unsubscribe":
		return s.scriptHashUnsubscribe(c, req.Params)

	case "blockchain.headers.subscribe":
		return s.headersSubscribe(c)
	case "blockchain.block.header":
		return s.blockHeader(req.Params)
	case "blockchain.block.headers":
		return s.blockHeaders(req.Params)

	case "blockchain.transaction.get":
		return s.transactionGet(req.Params)
	case "blockchain.transaction.get_merkle":
		return s.transactionGetMerkle(req.Params)
	case "blockchain.transaction.broadcast":
		return s.transactionBroadcast(req.Params)

	case "blockchain.estimatefee":
		return s.estimateFee(req.Params)
	case "blockchain.relayfee":
		fee, err := s.cfg.Backend.RelayFee()
		if err != nil {
			return nil, err
		}
		return fee, nil
	case "mempool.get_fee_histogram":
		histogram, err := s.cfg.Backend.FeeHistogram()
		if err != nil {
			return nil, err
		}
		return histogram, nil

	default:
		return nil, fmt.Errorf("unknown method %q", req.Method)
	}
}

// positional splits a params value into its positional elements.
func positional(raw json.RawMessage) ([]json.RawMessage, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var params []json.RawMessage
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	return params, nil
}

// param unmarshals the i-th positional parameter into dst.
func param(params []json.RawMessage, i int, dst interface{}) error {
	if i >= len(params) {
		return fmt.Errorf("missing parameter %d", i)
	}
	if err := json.Unmarshal(params[i], dst); err != nil {
		return fmt.Errorf("invalid parameter %d: %w", i, err)
	}
	return nil
}

// scriptHashParam parses a fingerprint parameter.
func scriptHashParam(raw json.RawMessage) (chaindb.ScriptHash, error) {
	params, err := positional(raw)
	if err != nil {
		return chaindb.ScriptHash{}, err
	}

	var str string
	if err := param(params, 0, &str); err != nil {
		return chaindb.ScriptHash{}, err
	}
	return chaindb.ParseScriptHash(str)
}

// version implements server.version. The protocol argument is accepted as
// either a single version or a [min, max] range; the handshake fails only if
// the server's protocol version falls outside it.
func (s *Server) version(raw json.RawMessage) (interface{}, error) {
	params, err := positional(raw)
	if err != nil {
		return nil, err
	}

	if len(params) >= 2 {
		var single string
		var spread [2]string

		switch {
		case json.Unmarshal(params[1], &single) == nil:
			if single != ProtocolVersion {
				return nil, fmt.Errorf("client requested "+
					"protocol %s, server speaks %s",
					single, ProtocolVersion)
			}
		case json.Unmarshal(params[1], &spread) == nil:
			if spread[0] > ProtocolVersion ||
				spread[1] < ProtocolVersion {

				return nil, fmt.Errorf("client supports "+
					"%s-%s, server speaks %s", spread[0],
					spread[1], ProtocolVersion)
			}
		default:
			return nil, errors.New("invalid protocol version " +
				"parameter")
		}
	}

	return []string{serverID, ProtocolVersion}, nil
}

// scriptHashGetHistory implements blockchain.scripthash.get_history.
func (s *Server) scriptHashGetHistory(
	raw json.RawMessage) (interface{}, error) {

	sh, err := scriptHashParam(raw)
	if err != nil {
		return nil, err
	}

	entries, err := s.cfg.Backend.History(sh)
	if err != nil {
		return nil, err
	}

	items := make([]historyItem, 0, len(entries))
	for _, entry := range entries {
		item := historyItem{
			TxHash: entry.TxID.String(),
			Height: entry.Height,
		}
		if entry.Height <= 0 {
			item.Fee = entry.Fee
		}
		items = append(items, item)
	}
	return items, nil
}

// scriptHashSubscribe implements blockchain.scripthash.subscribe. The
// current status is computed, remembered as the last one sent, and returned.
func (s *Server) scriptHashSubscribe(c *conn,
	raw json.RawMessage) (interface{}, error) {

	sh, err := scriptHashParam(raw)
	if err != nil {
		return nil, err
	}

	entries, err := s.cfg.Backend.History(sh)
	if err != nil {
		return nil, err
	}
	status := StatusHash(entries)

	c.subscribeScript(sh, status)
	return statusResult(status), nil
}

// scriptHashUnsubscribe implements blockchain.scripthash.unsubscribe.
func (s *Server) scriptHashUnsubscribe(c *conn,
	raw json.RawMessage) (interface{}, error) {

	sh, err := scriptHashParam(raw)
	if err != nil {
		return nil, err
	}
	return c.unsubscribeScript(sh), nil
}

// headersSubscribe implements blockchain.headers.subscribe.
func (s *Server) headersSubscribe(c *conn) (interface{}, error) {
	height, header, err := s.cfg.Backend.Tip()
	if err != nil {
		return nil, err
	}

	c.subscribeTip(header.BlockHash())
	return tipResult(height, header), nil
}

// blockHeader implements blockchain.block.header.
func (s *Server) blockHeader(raw json.RawMessage) (interface{}, error) {
	params, err := positional(raw)
	if err != nil {
		return nil, err
	}

	var height uint32
	if err := param(params, 0, &height); err != nil {
		return nil, err
	}

	header, err := s.cfg.Backend.HeaderByHeight(height)
	if err != nil {
		return nil, fmt.Errorf("no header at height %d", height)
	}

	var buf bytes.Buffer
	if err := header.Serialize(&buf); err != nil {
		return nil, err
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

// blockHeaders implements blockchain.block.headers: a chunk of consecutive
// raw headers starting at the given height.
func (s *Server) blockHeaders(raw json.RawMessage) (interface{}, error) {
	params, err := positional(raw)
	if err != nil {
		return nil, err
	}

	var start, count uint32
	if err := param(params, 0, &start); err != nil {
		return nil, err
	}
	if err := param(params, 1, &count); err != nil {
		return nil, err
	}

	tipHeight, _, err := s.cfg.Backend.Tip()
	if err != nil {
		return nil, err
	}

	if count > maxHeaderChunk {
		count = maxHeaderChunk
	}
	if start > tipHeight {
		count = 0
	} else if start+count > tipHeight+1 {
		count = tipHeight + 1 - start
	}

	var buf bytes.Buffer
	for height := start; height < start+count; height++ {
		header, err := s.cfg.Backend.HeaderByHeight(height)
		if err != nil {
			return nil, err
		}
		if err := header.Serialize(&buf); err != nil {
			return nil, err
		}
	}

	return map[string]interface{}{
		"count": count,
		"hex":   hex.EncodeToString(buf.Bytes()),
		"max":   maxHeaderChunk,
	}, nil
}

// transactionGet implements blockchain.transaction.get.
func (s *Server) transactionGet(raw json.RawMessage) (interface{}, error) {
	params, err := positional(raw)
	if err != nil {
		return nil, err
	}

	var txidStr string
	if err := param(params, 0, &txidStr); err != nil {
		return nil, err
	}
	txid, err := chainhash.NewHashFromStr(txidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid txid: %w", err)
	}

	if len(params) > 1 {
		var verbose bool
		if err := param(params, 1, &verbose); err != nil {
			return nil, err
		}
		if verbose {
			return nil, errors.New("verbose transactions are " +
				"not supported")
		}
	}

	rawTx, _, err := s.cfg.Backend.Transaction(txid)
	if err != nil {
		return nil, err
	}
	return hex.EncodeToString(rawTx), nil
}

// transactionGetMerkle implements blockchain.transaction.get_merkle.
func (s *Server) transactionGetMerkle(
	raw json.RawMessage) (interface{}, error) {

	params, err := positional(raw)
	if err != nil {
		return nil, err
	}

	var txidStr string
	if err := param(params, 0, &txidStr); err != nil {
		return nil, err
	}
	txid, err := chainhash.NewHashFromStr(txidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid txid: %w", err)
	}

	var height uint32
	if err := param(params, 1, &height); err != nil {
		return nil, err
	}

	pos, branch, err := s.cfg.Backend.MerkleProof(txid, height)
	if err != nil {
		return nil, err
	}

	merkle := make([]string, len(branch))
	for i, node := range branch {
		merkle[i] = node.String()
	}
	return map[string]interface{}{
		"block_height": height,
		"merkle":       merkle,
		"pos":          pos,
	}, nil
}

// transactionBroadcast implements blockchain.transaction.broadcast.
func (s *Server) transactionBroadcast(
	raw json.RawMessage) (interface{}, error) {

	params, err := positional(raw)
	if err != nil {
		return nil, err
	}

	var txHex string
	if err := param(params, 0, &txHex); err != nil {
		return nil, err
	}
	rawTx, err := hex.DecodeString(txHex)
	if err != nil {
		return nil, fmt.Errorf("non-hex transaction: %w", err)
	}

	txid, err := s.cfg.Backend.Broadcast(rawTx)
	if err != nil {
		return nil, err
	}
	return txid.String(), nil
}

// estimateFee implements blockchain.estimatefee. A failed estimate is
// reported with the protocol's "unknown fee" marker rather than an error.
func (s *Server) estimateFee(raw json.RawMessage) (interface{}, error) {
	params, err := positional(raw)
	if err != nil {
		return nil, err
	}

	var target int64
	if err := param(params, 0, &target); err != nil {
		return nil, err
	}

	fee, err := s.cfg.Backend.EstimateFee(target)
	if err != nil {
		log.Debugf("Fee estimation for target %d failed: %v", target,
			err)
		return -1, nil
	}
	return fee, nil
}
