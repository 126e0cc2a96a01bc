package rpc

import (
	"context"
	"crypto/tls"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/example/fx-ledger/internal/funds"
	"github.com/example/fx-ledger/internal/ledger"
)

// BearerToken attaches an access token to every call.
type BearerToken struct {
	Token  string
	Secure bool
}

func (b BearerToken) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + b.Token}, nil
}

func (b BearerToken) RequireTransportSecurity() bool { return b.Secure }

// Client calls the fxledger.Funds service.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Dial connects to target, using TLS when tlsCfg is non-nil.
func Dial(ctx context.Context, target, token string, tlsCfg *tls.Config, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	creds := insecure.NewCredentials()
	if tlsCfg != nil {
		creds = credentials.NewTLS(tlsCfg)
	}
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(Codec{})),
	}
	if token != "" {
		base = append(base, grpc.WithPerRPCCredentials(BearerToken{Token: token, Secure: tlsCfg != nil}))
	}
	return grpc.DialContext(ctx, target, append(base, opts...)...)
}

func (c *Client) Deposit(ctx context.Context, req funds.DepositRequest, opts ...grpc.CallOption) (*ledger.Account, error) {
	out := new(ledger.Account)
	if err := c.cc.Invoke(ctx, MethodDeposit, &req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Withdraw(ctx context.Context, req funds.WithdrawRequest, opts ...grpc.CallOption) (*ledger.Account, error) {
	out := new(ledger.Account)
	if err := c.cc.Invoke(ctx, MethodWithdraw, &req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Transfer(ctx context.Context, req funds.TransferRequest, opts ...grpc.CallOption) (*funds.TransferResult, error) {
	out := new(funds.TransferResult)
	if err := c.cc.Invoke(ctx, MethodTransfer, &req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListTransactions(ctx context.Context, req ListTransactionsRequest, opts ...grpc.CallOption) (*funds.HistoryPage, error) {
	out := new(funds.HistoryPage)
	if err := c.cc.Invoke(ctx, MethodListTransactions, &req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CreateAccount(ctx context.Context, req CreateAccountRequest, opts ...grpc.CallOption) (*ledger.Account, error) {
	out := new(ledger.Account)
	if err := c.cc.Invoke(ctx, MethodCreateAccount, &req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
