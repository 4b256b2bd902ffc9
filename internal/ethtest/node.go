// Package ethtest runs an in-process node that also speaks the bundler and
// paymaster JSON-RPC methods, for tests that need a chain to talk to.
package ethtest

import (
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
)

var (
	getAddressSelector = crypto.Keccak256([]byte("getAddress(address,uint256)"))[:4]
	getNonceSelector   = crypto.Keccak256([]byte("getNonce(address,uint192)"))[:4]

	// UserOperationEventID is topic 0 of EntryPoint's UserOperationEvent.
	UserOperationEventID = crypto.Keccak256Hash([]byte("UserOperationEvent(bytes32,address,address,uint256,bool,uint256,uint256)"))

	addressArgs  = mustArgs("address")
	ownerArgs    = mustArgs("address", "uint256")
	uint256Args  = mustArgs("uint256")
	opEventArgs  = mustArgs("uint256", "bool", "uint256", "uint256")
	errNoHandler = errors.New("execution reverted")
)

func mustArgs(types ...string) abi.Arguments {
	args := make(abi.Arguments, 0, len(types))
	for _, t := range types {
		typ, err := abi.NewType(t, "", nil)
		if err != nil {
			panic(err)
		}
		args = append(args, abi.Argument{Type: typ})
	}
	return args
}

// SentOp is a user operation the node accepted through eth_sendUserOperation.
type SentOp struct {
	Raw        json.RawMessage
	EntryPoint common.Address
	Hash       common.Hash
}

// GasEstimate is returned from eth_estimateUserOperationGas.
type GasEstimate struct {
	PreVerificationGas   *big.Int
	VerificationGasLimit *big.Int
	CallGasLimit         *big.Int
}

type wireOp struct {
	Sender           common.Address `json:"sender"`
	Nonce            *hexutil.Big   `json:"nonce"`
	InitCode         hexutil.Bytes  `json:"initCode"`
	PaymasterAndData hexutil.Bytes  `json:"paymasterAndData"`
}

// Node is a minimal chain plus bundler. Exported fields may be changed
// between calls through Update.
type Node struct {
	mu sync.Mutex

	ChainID  *big.Int
	BaseFee  *big.Int
	Tip      *big.Int
	GasPrice *big.Int
	// TipUnsupported makes eth_maxPriorityFeePerGas fail.
	TipUnsupported bool
	Estimate       GasEstimate
	EstimateErr    error
	SendErr        error
	// Include controls whether accepted operations are mined immediately.
	Include bool
	// HashFn computes the hash returned for an operation. Defaults to keccak of its JSON.
	HashFn func(op json.RawMessage, entryPoint common.Address) common.Hash

	balances  map[common.Address]*big.Int
	code      map[common.Address][]byte
	nonces    map[common.Address]*big.Int
	head      uint64
	sent      []SentOp
	pending   []SentOp
	logs      []types.Log
	txs       map[common.Hash]*types.Transaction
	receipts  map[common.Hash]*types.Receipt
	opTx      map[common.Hash]common.Hash
	opReceipt map[common.Hash]map[string]interface{}
	key       *ecdsa.PrivateKey
	estimates []json.RawMessage

	server *rpc.Server
	http   *httptest.Server
}

// NewNode starts a node for chainID and stops it when the test ends.
func NewNode(t testing.TB, chainID int64) *Node {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate bundler key: %v", err)
	}
	n := &Node{
		ChainID:  big.NewInt(chainID),
		BaseFee:  big.NewInt(1_000_000_000),
		Tip:      big.NewInt(100_000_000),
		GasPrice: big.NewInt(2_000_000_000),
		Estimate: GasEstimate{
			PreVerificationGas:   big.NewInt(50_000),
			VerificationGasLimit: big.NewInt(400_000),
			CallGasLimit:         big.NewInt(60_000),
		},
		Include:   true,
		balances:  map[common.Address]*big.Int{},
		code:      map[common.Address][]byte{},
		nonces:    map[common.Address]*big.Int{},
		head:      1_000,
		txs:       map[common.Hash]*types.Transaction{},
		receipts:  map[common.Hash]*types.Receipt{},
		opTx:      map[common.Hash]common.Hash{},
		opReceipt: map[common.Hash]map[string]interface{}{},
		key:       key,
		server:    rpc.NewServer(),
	}
	if err := n.server.RegisterName("eth", &ethAPI{n}); err != nil {
		t.Fatalf("register eth api: %v", err)
	}
	n.http = httptest.NewServer(n.server)
	t.Cleanup(func() {
		n.http.Close()
		n.server.Stop()
	})
	return n
}

func (n *Node) URL() string { return n.http.URL }

// Update runs fn with the node locked.
func (n *Node) Update(fn func(n *Node)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	fn(n)
}

// Deploy marks addr as a contract.
func (n *Node) Deploy(addr common.Address) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.code[addr] = []byte{0x60, 0x80, 0x60, 0x40}
}

func (n *Node) SetBalance(addr common.Address, balance *big.Int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.balances[addr] = new(big.Int).Set(balance)
}

func (n *Node) SetNonce(sender common.Address, nonce *big.Int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nonces[sender] = new(big.Int).Set(nonce)
}

// SenderFor is the counterfactual address the factory reports for owner and salt.
func SenderFor(owner common.Address, salt *big.Int) common.Address {
	return common.BytesToAddress(crypto.Keccak256(owner.Bytes(), common.LeftPadBytes(salt.Bytes(), 32))[12:])
}

func (n *Node) SentOps() []SentOp {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]SentOp(nil), n.sent...)
}

// Estimates returns the operations passed to eth_estimateUserOperationGas.
func (n *Node) Estimates() []json.RawMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]json.RawMessage(nil), n.estimates...)
}

// IncludePending mines every accepted operation that has not been mined yet.
func (n *Node) IncludePending() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, op := range n.pending {
		n.include(op)
	}
	n.pending = nil
}

// TxHashFor is the bundle transaction that carried the operation.
func (n *Node) TxHashFor(opHash common.Hash) (common.Hash, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	h, ok := n.opTx[opHash]
	return h, ok
}

func (n *Node) include(op SentOp) {
	var w wireOp
	if err := json.Unmarshal(op.Raw, &w); err != nil {
		panic(fmt.Sprintf("ethtest: accepted op is not decodable: %v", err))
	}
	nonce := new(big.Int)
	if w.Nonce != nil {
		nonce = w.Nonce.ToInt()
	}
	var paymaster common.Address
	if len(w.PaymasterAndData) >= common.AddressLength {
		paymaster = common.BytesToAddress(w.PaymasterAndData[:common.AddressLength])
	}

	n.head++
	signer := types.LatestSignerForChainID(n.ChainID)
	tx, err := types.SignNewTx(n.key, signer, &types.DynamicFeeTx{
		ChainID:   n.ChainID,
		Nonce:     n.head,
		To:        &op.EntryPoint,
		Gas:       500_000,
		GasTipCap: n.Tip,
		GasFeeCap: new(big.Int).Add(n.BaseFee, n.Tip),
		Data:      op.Raw,
	})
	if err != nil {
		panic(fmt.Sprintf("ethtest: sign bundle: %v", err))
	}
	blockHash := crypto.Keccak256Hash(new(big.Int).SetUint64(n.head).Bytes())

	cost, used := big.NewInt(21_000_000_000), big.NewInt(90_000)
	data, err := opEventArgs.Pack(nonce, true, cost, used)
	if err != nil {
		panic(fmt.Sprintf("ethtest: pack event: %v", err))
	}
	l := types.Log{
		Address:     op.EntryPoint,
		Topics:      []common.Hash{UserOperationEventID, op.Hash, common.BytesToHash(w.Sender.Bytes()), common.BytesToHash(paymaster.Bytes())},
		Data:        data,
		BlockNumber: n.head,
		TxHash:      tx.Hash(),
		BlockHash:   blockHash,
	}
	n.logs = append(n.logs, l)
	n.txs[tx.Hash()] = tx
	n.receipts[tx.Hash()] = &types.Receipt{
		Type:              types.DynamicFeeTxType,
		Status:            types.ReceiptStatusSuccessful,
		CumulativeGasUsed: used.Uint64(),
		Logs:              []*types.Log{&l},
		TxHash:            tx.Hash(),
		GasUsed:           used.Uint64(),
		EffectiveGasPrice: new(big.Int).Add(n.BaseFee, n.Tip),
		BlockHash:         blockHash,
		BlockNumber:       new(big.Int).SetUint64(n.head),
	}
	n.opTx[op.Hash] = tx.Hash()
	n.opReceipt[op.Hash] = map[string]interface{}{
		"userOpHash":    op.Hash,
		"sender":        w.Sender,
		"nonce":         (*hexutil.Big)(nonce),
		"paymaster":     paymaster,
		"actualGasCost": (*hexutil.Big)(cost),
		"actualGasUsed": (*hexutil.Big)(used),
		"success":       true,
		"receipt":       n.receipts[tx.Hash()],
	}

	n.nonces[w.Sender] = new(big.Int).Add(nonce, big.NewInt(1))
	if len(w.InitCode) > 0 {
		n.code[w.Sender] = []byte{0x60, 0x80}
	}
}

type ethAPI struct{ n *Node }

func (api *ethAPI) ChainId() *hexutil.Big {
	api.n.mu.Lock()
	defer api.n.mu.Unlock()
	return (*hexutil.Big)(api.n.ChainID)
}

func (api *ethAPI) BlockNumber() hexutil.Uint64 {
	api.n.mu.Lock()
	defer api.n.mu.Unlock()
	return hexutil.Uint64(api.n.head)
}

func (api *ethAPI) GetBlockByNumber(number string, _ bool) *types.Header {
	api.n.mu.Lock()
	defer api.n.mu.Unlock()
	var baseFee *big.Int
	if api.n.BaseFee != nil {
		baseFee = new(big.Int).Set(api.n.BaseFee)
	}
	return &types.Header{
		Number:     new(big.Int).SetUint64(api.n.head),
		Difficulty: new(big.Int),
		GasLimit:   30_000_000,
		Time:       1_700_000_000 + api.n.head,
		Extra:      []byte{},
		BaseFee:    baseFee,
	}
}

func (api *ethAPI) GetBalance(addr common.Address, _ string) *hexutil.Big {
	api.n.mu.Lock()
	defer api.n.mu.Unlock()
	if b, ok := api.n.balances[addr]; ok {
		return (*hexutil.Big)(new(big.Int).Set(b))
	}
	return (*hexutil.Big)(new(big.Int))
}

func (api *ethAPI) GetCode(addr common.Address, _ string) hexutil.Bytes {
	api.n.mu.Lock()
	defer api.n.mu.Unlock()
	return common.CopyBytes(api.n.code[addr])
}

func (api *ethAPI) MaxPriorityFeePerGas() (*hexutil.Big, error) {
	api.n.mu.Lock()
	defer api.n.mu.Unlock()
	if api.n.TipUnsupported {
		return nil, errors.New("the method eth_maxPriorityFeePerGas does not exist/is not available")
	}
	return (*hexutil.Big)(new(big.Int).Set(api.n.Tip)), nil
}

func (api *ethAPI) GasPrice() *hexutil.Big {
	api.n.mu.Lock()
	defer api.n.mu.Unlock()
	return (*hexutil.Big)(new(big.Int).Set(api.n.GasPrice))
}

type callArgs struct {
	To    *common.Address `json:"to"`
	Data  *hexutil.Bytes  `json:"data"`
	Input *hexutil.Bytes  `json:"input"`
}

func (api *ethAPI) Call(args callArgs, _ string) (hexutil.Bytes, error) {
	var input []byte
	switch {
	case args.Input != nil:
		input = *args.Input
	case args.Data != nil:
		input = *args.Data
	}
	if args.To == nil || len(input) < 4 {
		return nil, errNoHandler
	}

	api.n.mu.Lock()
	defer api.n.mu.Unlock()
	if len(api.n.code[*args.To]) == 0 {
		return hexutil.Bytes{}, nil
	}

	switch {
	case string(input[:4]) == string(getAddressSelector):
		vals, err := ownerArgs.Unpack(input[4:])
		if err != nil {
			return nil, err
		}
		return addressArgs.Pack(SenderFor(vals[0].(common.Address), vals[1].(*big.Int)))
	case string(input[:4]) == string(getNonceSelector):
		vals, err := ownerArgs.Unpack(input[4:])
		if err != nil {
			return nil, err
		}
		nonce := new(big.Int)
		if v, ok := api.n.nonces[vals[0].(common.Address)]; ok {
			nonce.Set(v)
		}
		return uint256Args.Pack(nonce)
	}
	return nil, errNoHandler
}

type filterArgs struct {
	Address   []common.Address `json:"address"`
	Topics    [][]common.Hash  `json:"topics"`
	FromBlock string           `json:"fromBlock"`
}

func (api *ethAPI) GetLogs(crit filterArgs) ([]types.Log, error) {
	from := uint64(0)
	if crit.FromBlock != "" && crit.FromBlock != "latest" && crit.FromBlock != "earliest" {
		v, err := hexutil.DecodeUint64(crit.FromBlock)
		if err != nil {
			return nil, fmt.Errorf("invalid fromBlock: %w", err)
		}
		from = v
	}

	api.n.mu.Lock()
	defer api.n.mu.Unlock()
	out := []types.Log{}
	for _, l := range api.n.logs {
		if l.BlockNumber < from || !matchAddress(crit.Address, l.Address) || !matchTopics(crit.Topics, l.Topics) {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func matchAddress(want []common.Address, got common.Address) bool {
	if len(want) == 0 {
		return true
	}
	for _, a := range want {
		if a == got {
			return true
		}
	}
	return false
}

func matchTopics(want [][]common.Hash, got []common.Hash) bool {
	if len(want) > len(got) {
		return false
	}
	for i, alternatives := range want {
		if len(alternatives) == 0 {
			continue
		}
		found := false
		for _, h := range alternatives {
			if h == got[i] {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (api *ethAPI) GetTransactionByHash(hash common.Hash) (json.RawMessage, error) {
	api.n.mu.Lock()
	defer api.n.mu.Unlock()
	tx, ok := api.n.txs[hash]
	if !ok {
		return nil, nil
	}
	enc, err := tx.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(enc, &fields); err != nil {
		return nil, err
	}
	r := api.n.receipts[hash]
	from := crypto.PubkeyToAddress(api.n.key.PublicKey)
	for k, v := range map[string]interface{}{
		"blockNumber":      (*hexutil.Big)(r.BlockNumber),
		"blockHash":        r.BlockHash,
		"from":             from,
		"transactionIndex": hexutil.Uint(0),
	} {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		fields[k] = raw
	}
	return json.Marshal(fields)
}

func (api *ethAPI) GetTransactionReceipt(hash common.Hash) *types.Receipt {
	api.n.mu.Lock()
	defer api.n.mu.Unlock()
	return api.n.receipts[hash]
}

func (api *ethAPI) SendUserOperation(op json.RawMessage, entryPoint common.Address) (common.Hash, error) {
	api.n.mu.Lock()
	defer api.n.mu.Unlock()
	if api.n.SendErr != nil {
		return common.Hash{}, api.n.SendErr
	}
	var w wireOp
	if err := json.Unmarshal(op, &w); err != nil {
		return common.Hash{}, fmt.Errorf("invalid user operation: %w", err)
	}

	hash := crypto.Keccak256Hash(op)
	if api.n.HashFn != nil {
		hash = api.n.HashFn(op, entryPoint)
	}
	sent := SentOp{Raw: append(json.RawMessage(nil), op...), EntryPoint: entryPoint, Hash: hash}
	api.n.sent = append(api.n.sent, sent)
	if api.n.Include {
		api.n.include(sent)
	} else {
		api.n.pending = append(api.n.pending, sent)
	}
	return hash, nil
}

func (api *ethAPI) EstimateUserOperationGas(op json.RawMessage, _ common.Address) (map[string]*hexutil.Big, error) {
	api.n.mu.Lock()
	defer api.n.mu.Unlock()
	api.n.estimates = append(api.n.estimates, append(json.RawMessage(nil), op...))
	if api.n.EstimateErr != nil {
		return nil, api.n.EstimateErr
	}
	e := api.n.Estimate
	return map[string]*hexutil.Big{
		"preVerificationGas":   (*hexutil.Big)(e.PreVerificationGas),
		"verificationGasLimit": (*hexutil.Big)(e.VerificationGasLimit),
		"callGasLimit":         (*hexutil.Big)(e.CallGasLimit),
	}, nil
}

func (api *ethAPI) GetUserOperationReceipt(hash common.Hash) map[string]interface{} {
	api.n.mu.Lock()
	defer api.n.mu.Unlock()
	return api.n.opReceipt[hash]
}

func (api *ethAPI) GetUserOperationByHash(hash common.Hash) map[string]interface{} {
	api.n.mu.Lock()
	defer api.n.mu.Unlock()
	for _, op := range api.n.sent {
		if op.Hash != hash {
			continue
		}
		out := map[string]interface{}{
			"userOperation": op.Raw,
			"entryPoint":    op.EntryPoint,
		}
		if txHash, ok := api.n.opTx[hash]; ok {
			r := api.n.receipts[txHash]
			out["transactionHash"] = txHash
			out["blockHash"] = r.BlockHash
			out["blockNumber"] = (*hexutil.Big)(r.BlockNumber)
		}
		return out
	}
	return nil
}
