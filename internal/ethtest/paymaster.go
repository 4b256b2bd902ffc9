package ethtest

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// SponsorCall records one pm_sponsorUserOperation request.
type SponsorCall struct {
	Op         json.RawMessage
	EntryPoint common.Address
	Context    map[string]interface{}
}

// Paymaster is a verifying paymaster that sponsors every operation.
type Paymaster struct {
	mu sync.Mutex

	Address              common.Address
	Data                 []byte
	PreVerificationGas   *big.Int
	VerificationGasLimit *big.Int
	CallGasLimit         *big.Int
	Err                  error
	// Truncate cuts paymasterAndData to that many bytes when positive.
	Truncate int
	// ErrData is sent as the JSON-RPC error data alongside Err.
	ErrData interface{}

	calls  []SponsorCall
	server *rpc.Server
	http   *httptest.Server
}

func NewPaymaster(t testing.TB) *Paymaster {
	t.Helper()
	p := &Paymaster{
		Address:              common.HexToAddress("0xE93ECa6595fe94091DC1af46aaC2A8b5D7990770"),
		Data:                 hexutil.MustDecode("0x00000000000000000000000000000000000000000000000000000000deadbeef"),
		PreVerificationGas:   big.NewInt(48_000),
		VerificationGasLimit: big.NewInt(300_000),
		CallGasLimit:         big.NewInt(55_000),
		server:               rpc.NewServer(),
	}
	if err := p.server.RegisterName("pm", &pmAPI{p}); err != nil {
		t.Fatalf("register pm api: %v", err)
	}
	p.http = httptest.NewServer(p.server)
	t.Cleanup(func() {
		p.http.Close()
		p.server.Stop()
	})
	return p
}

func (p *Paymaster) URL() string { return p.http.URL }

// Dial returns a client for the paymaster that is closed when the test ends.
func (p *Paymaster) Dial(t testing.TB) *rpc.Client {
	t.Helper()
	c, err := rpc.DialContext(context.Background(), p.http.URL)
	if err != nil {
		t.Fatalf("dial paymaster: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func (p *Paymaster) Update(fn func(p *Paymaster)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p)
}

func (p *Paymaster) Calls() []SponsorCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]SponsorCall(nil), p.calls...)
}

// PaymasterAndData is the value the paymaster returns.
func (p *Paymaster) PaymasterAndData() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append(p.Address.Bytes(), p.Data...)
}

type pmAPI struct{ p *Paymaster }

func (api *pmAPI) SponsorUserOperation(op json.RawMessage, entryPoint common.Address, pmContext map[string]interface{}) (map[string]interface{}, error) {
	p := api.p
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, SponsorCall{Op: append(json.RawMessage(nil), op...), EntryPoint: entryPoint, Context: pmContext})
	if p.Err != nil {
		if p.ErrData != nil {
			return nil, &sponsorError{err: p.Err, data: p.ErrData}
		}
		return nil, p.Err
	}
	pmData := append(p.Address.Bytes(), p.Data...)
	if p.Truncate > 0 && p.Truncate < len(pmData) {
		pmData = pmData[:p.Truncate]
	}
	return map[string]interface{}{
		"paymasterAndData":     hexutil.Bytes(pmData),
		"preVerificationGas":   (*hexutil.Big)(p.PreVerificationGas),
		"verificationGasLimit": (*hexutil.Big)(p.VerificationGasLimit),
		"callGasLimit":         (*hexutil.Big)(p.CallGasLimit),
	}, nil
}

type sponsorError struct {
	err  error
	data interface{}
}

func (e *sponsorError) Error() string          { return e.err.Error() }
func (e *sponsorError) ErrorCode() int         { return -32500 }
func (e *sponsorError) ErrorData() interface{} { return e.data }
