package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

const erc20ABI = `[
	{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"name","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
	{"name":"decimals","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]}
]`

var (
	parseABIOnce sync.Once
	tokenABI     abi.ABI
	parseABIErr  error
)

func parsedABI() (abi.ABI, error) {
	parseABIOnce.Do(func() {
		tokenABI, parseABIErr = abi.JSON(strings.NewReader(erc20ABI))
	})
	return tokenABI, parseABIErr
}

// Config describes how to construct an EVM read client.
type Config struct {
	Name   string
	RPCURL string
}

// Client implements chain.Reader for EVM compatible networks.
type Client struct {
	name      string
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
	mu        sync.Mutex
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use
// read client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("rpc url is not configured")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc endpoint: %w", err)
	}

	return &Client{
		name:      cfg.Name,
		rpcClient: rpcClient,
		eth:       ethclient.NewClient(rpcClient),
	}, nil
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	c.rpcClient = nil
}

// BlockNumber returns the current block height.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	if c == nil || c.eth == nil {
		return 0, errors.New("chain client not initialised")
	}
	height, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch block number: %w", err)
	}
	return height, nil
}

// TokenBalance reads balanceOf(holder) on the token contract.
func (c *Client) TokenBalance(ctx context.Context, token, holder common.Address) (*big.Int, error) {
	if c == nil || c.eth == nil {
		return nil, errors.New("chain client not initialised")
	}
	contract, err := parsedABI()
	if err != nil {
		return nil, err
	}
	input, err := contract.Pack("balanceOf", holder)
	if err != nil {
		return nil, fmt.Errorf("pack balanceOf call: %w", err)
	}
	output, err := c.eth.CallContract(ctx, gethcore.CallMsg{To: &token, Data: input}, nil)
	if err != nil {
		return nil, fmt.Errorf("call balanceOf: %w", err)
	}
	results, err := contract.Unpack("balanceOf", output)
	if err != nil {
		return nil, fmt.Errorf("unpack balanceOf result: %w", err)
	}
	balance, ok := results[0].(*big.Int)
	if !ok {
		return nil, errors.New("unexpected balanceOf result type")
	}
	return balance, nil
}

// TokenName reads name() on the token contract. A failing or empty read means
// the address does not point at a well-formed ERC-20.
func (c *Client) TokenName(ctx context.Context, token common.Address) (string, error) {
	if c == nil || c.eth == nil {
		return "", errors.New("chain client not initialised")
	}
	contract, err := parsedABI()
	if err != nil {
		return "", err
	}
	input, err := contract.Pack("name")
	if err != nil {
		return "", fmt.Errorf("pack name call: %w", err)
	}
	output, err := c.eth.CallContract(ctx, gethcore.CallMsg{To: &token, Data: input}, nil)
	if err != nil {
		return "", fmt.Errorf("call name: %w", err)
	}
	results, err := contract.Unpack("name", output)
	if err != nil {
		return "", fmt.Errorf("unpack name result: %w", err)
	}
	name, ok := results[0].(string)
	if !ok {
		return "", errors.New("unexpected name result type")
	}
	if name == "" {
		return "", errors.New("token contract returned an empty name")
	}
	return name, nil
}
