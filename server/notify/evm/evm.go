// Package evm implements a notification plugin which reports every feed write to a
// smart contract on an EVM chain. The contract method is called with the topic name
// and the reference of the feed update.
package evm

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"gopkg.in/cenkalti/backoff.v2"

	"github.com/tinode/swarmagg/server/logs"
	"github.com/tinode/swarmagg/server/notify"
)

const (
	handlerName = "evm"

	defaultBuffer     = 128
	defaultMethod     = "emitSwarmEvent"
	defaultMaxRetries = 3
	defaultTimeout    = 30
)

var handler evmNotify

// Contract calls used by the handler. Implemented by *bind.BoundContract.
type transactor interface {
	Transact(opts *bind.TransactOpts, method string, params ...interface{}) (*types.Transaction, error)
}

type configType struct {
	Enabled bool `json:"enabled"`
	Buffer  int  `json:"buffer"`
	// JSON-RPC endpoint of the chain. Defaults to RPC_URL environment variable.
	RPCURL string `json:"rpc_url"`
	// Address of the event emitter contract. Defaults to CONTRACT_ADDRESS.
	ContractAddress string `json:"contract_address"`
	// Hex-encoded key which signs transactions. Defaults to PRIVATE_KEY.
	PrivateKey string `json:"private_key"`
	// Contract method to call: method(string topic, string reference).
	Method string `json:"method"`
	// Number of retries after the first failed call.
	MaxRetries int `json:"max_retries"`
	// Timeout of a single call in seconds.
	Timeout int `json:"timeout"`
}

type evmNotify struct {
	initialized bool
	conf        configType
	timeout     time.Duration

	contract   transactor
	opts       *bind.TransactOpts
	newBackOff func() backoff.BackOff

	input chan *notify.Event
	stop  chan bool
	done  chan bool
}

// methodABI returns ABI of a single non-view method which takes two strings.
func methodABI(method string) string {
	return `[{"type":"function","name":"` + method + `","stateMutability":"nonpayable",` +
		`"inputs":[{"name":"topic","type":"string"},{"name":"reference","type":"string"}],"outputs":[]}]`
}

func envDefault(val, name string) string {
	if val == "" {
		return os.Getenv(name)
	}
	return val
}

// Init initializes the handler.
func (*evmNotify) Init(jsonconf json.RawMessage) (bool, error) {
	if handler.initialized {
		return false, errors.New("already initialized")
	}

	var config configType
	if err := json.Unmarshal(jsonconf, &config); err != nil {
		return false, errors.New("failed to parse config: " + err.Error())
	}

	handler.initialized = true

	if !config.Enabled {
		return false, nil
	}

	config.RPCURL = envDefault(config.RPCURL, "RPC_URL")
	config.ContractAddress = envDefault(config.ContractAddress, "CONTRACT_ADDRESS")
	config.PrivateKey = envDefault(config.PrivateKey, "PRIVATE_KEY")
	if config.RPCURL == "" {
		return false, errors.New("missing RPC URL")
	}
	if !common.IsHexAddress(config.ContractAddress) {
		return false, errors.New("invalid contract address")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(config.PrivateKey, "0x"))
	if err != nil {
		return false, errors.New("invalid private key: " + err.Error())
	}

	handler.setDefaults(&config)

	ctx, cancel := context.WithTimeout(context.Background(), handler.timeout)
	defer cancel()

	client, err := ethclient.DialContext(ctx, config.RPCURL)
	if err != nil {
		return false, err
	}
	contract, opts, err := bindContract(ctx, client, config, key)
	if err != nil {
		client.Close()
		return false, err
	}

	handler.start(contract, opts)

	logs.Info.Printf("evm: reporting feed writes to %s.%s as %s", config.ContractAddress, config.Method, opts.From.Hex())
	return true, nil
}

func (h *evmNotify) setDefaults(config *configType) {
	if config.Buffer <= 0 {
		config.Buffer = defaultBuffer
	}
	if config.Method == "" {
		config.Method = defaultMethod
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = defaultMaxRetries
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}
	h.conf = *config
	h.timeout = time.Duration(config.Timeout) * time.Second
	if h.newBackOff == nil {
		h.newBackOff = func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		}
	}
}

func bindContract(ctx context.Context, client *ethclient.Client, config configType,
	key *ecdsa.PrivateKey) (*bind.BoundContract, *bind.TransactOpts, error) {

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, nil, err
	}
	opts, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return nil, nil, err
	}
	parsed, err := abi.JSON(strings.NewReader(methodABI(config.Method)))
	if err != nil {
		return nil, nil, err
	}
	contract := bind.NewBoundContract(common.HexToAddress(config.ContractAddress), parsed, client, client, client)
	return contract, opts, nil
}

func (h *evmNotify) start(contract transactor, opts *bind.TransactOpts) {
	h.contract = contract
	h.opts = opts
	h.input = make(chan *notify.Event, h.conf.Buffer)
	h.stop = make(chan bool, 1)
	h.done = make(chan bool)

	go func() {
		defer close(h.done)
		for {
			select {
			case ev := <-h.input:
				if err := h.emit(ev); err != nil {
					logs.Error.Printf("evm: failed to report write to '%s' at %d: %v", ev.Topic, ev.Index, err)
				}
			case <-h.stop:
				return
			}
		}
	}()
}

// emit calls the contract method retrying failed calls with exponential backoff.
func (h *evmNotify) emit(ev *notify.Event) error {
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
		defer cancel()

		opts := *h.opts
		opts.Context = ctx
		tx, err := h.contract.Transact(&opts, h.conf.Method, ev.Topic, ev.Reference)
		if err != nil {
			logs.Warning.Printf("evm: attempt %d for '%s' failed: %v", attempt, ev.Topic, err)
			return err
		}
		logs.Info.Printf("evm: '%s' at %d reported in tx %s", ev.Topic, ev.Index, tx.Hash().Hex())
		return nil
	}, backoff.WithMaxRetries(h.newBackOff(), uint64(h.conf.MaxRetries)))
}

// IsReady checks if the handler is initialized.
func (*evmNotify) IsReady() bool {
	return handler.input != nil
}

// Events returns a channel that the server will use to send events to.
// If the adapter blocks, the event will be dropped.
func (*evmNotify) Events() chan<- *notify.Event {
	return handler.input
}

// Stop terminates the handler's worker. A call in progress is completed first.
func (*evmNotify) Stop() {
	handler.stop <- true
	<-handler.done
}

func init() {
	notify.Register(handlerName, &handler)
}
