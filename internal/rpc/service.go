package rpc

import (
	"context"
	"errors"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/example/fx-ledger/internal/auth"
	"github.com/example/fx-ledger/internal/exchange"
	"github.com/example/fx-ledger/internal/funds"
	"github.com/example/fx-ledger/internal/ledger"
)

const ServiceName = "fxledger.Funds"

// Full method names.
const (
	MethodDeposit          = "/" + ServiceName + "/Deposit"
	MethodWithdraw         = "/" + ServiceName + "/Withdraw"
	MethodTransfer         = "/" + ServiceName + "/Transfer"
	MethodListTransactions = "/" + ServiceName + "/ListTransactions"
	MethodCreateAccount    = "/" + ServiceName + "/CreateAccount"
)

// methodScopes is the OAuth scope each method requires.
var methodScopes = map[string]string{
	MethodDeposit:          auth.ScopeTransactionsWrite,
	MethodWithdraw:         auth.ScopeTransactionsWrite,
	MethodTransfer:         auth.ScopeTransactionsWrite,
	MethodListTransactions: auth.ScopeTransactionsRead,
	MethodCreateAccount:    auth.ScopeAccountsWrite,
}

type ListTransactionsRequest struct {
	AccountID string `json:"account_id"`
	Limit     int    `json:"limit,omitempty"`
	Offset    int    `json:"offset,omitempty"`
}

type CreateAccountRequest struct {
	Currency string `json:"currency"`
}

// Funds is the orchestrator surface exposed over gRPC.
type Funds interface {
	Deposit(ctx context.Context, caller auth.Caller, req funds.DepositRequest) (*ledger.Account, error)
	Withdraw(ctx context.Context, caller auth.Caller, req funds.WithdrawRequest) (*ledger.Account, error)
	Transfer(ctx context.Context, caller auth.Caller, req funds.TransferRequest) (*funds.TransferResult, error)
	CreateAccount(ctx context.Context, caller auth.Caller, currency ledger.Currency) (*ledger.Account, error)
	ListTransactions(ctx context.Context, caller auth.Caller, accountID string, page ledger.PageRequest) (*funds.HistoryPage, error)
}

// FundsServer implements the fxledger.Funds service.
type FundsServer struct {
	Funds  Funds
	Logger *slog.Logger
}

func (s *FundsServer) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func (s *FundsServer) Deposit(ctx context.Context, req *funds.DepositRequest) (*ledger.Account, error) {
	caller, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}
	if req.IBAN == "" {
		return nil, status.Error(codes.InvalidArgument, "account_iban is required")
	}
	acc, err := s.Funds.Deposit(ctx, caller, *req)
	if err != nil {
		return nil, s.toStatus(MethodDeposit, err)
	}
	return acc, nil
}

func (s *FundsServer) Withdraw(ctx context.Context, req *funds.WithdrawRequest) (*ledger.Account, error) {
	caller, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}
	if req.IBAN == "" {
		return nil, status.Error(codes.InvalidArgument, "account_iban is required")
	}
	acc, err := s.Funds.Withdraw(ctx, caller, *req)
	if err != nil {
		return nil, s.toStatus(MethodWithdraw, err)
	}
	return acc, nil
}

// Transfer returns rejected transfers as a FAILED result with an OK status.
func (s *FundsServer) Transfer(ctx context.Context, req *funds.TransferRequest) (*funds.TransferResult, error) {
	caller, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}
	if req.SourceIBAN == "" || req.DestinationIBAN == "" {
		return nil, status.Error(codes.InvalidArgument, "source_account_number and destination_account_number are required")
	}
	if _, err := ledger.ParseCurrency(string(req.DestinationCurrency)); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	result, err := s.Funds.Transfer(ctx, caller, *req)
	if err != nil {
		return nil, s.toStatus(MethodTransfer, err)
	}
	return result, nil
}

func (s *FundsServer) ListTransactions(ctx context.Context, req *ListTransactionsRequest) (*funds.HistoryPage, error) {
	caller, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}
	if req.AccountID == "" {
		return nil, status.Error(codes.InvalidArgument, "account_id is required")
	}
	if req.Limit < 0 || req.Offset < 0 {
		return nil, status.Error(codes.InvalidArgument, "limit and offset must be non-negative")
	}
	page, err := s.Funds.ListTransactions(ctx, caller, req.AccountID, ledger.PageRequest{Limit: req.Limit, Offset: req.Offset})
	if err != nil {
		return nil, s.toStatus(MethodListTransactions, err)
	}
	return page, nil
}

func (s *FundsServer) CreateAccount(ctx context.Context, req *CreateAccountRequest) (*ledger.Account, error) {
	caller, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}
	currency, err := ledger.ParseCurrency(req.Currency)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	acc, err := s.Funds.CreateAccount(ctx, caller, currency)
	if err != nil {
		return nil, s.toStatus(MethodCreateAccount, err)
	}
	return acc, nil
}

func callerFrom(ctx context.Context) (auth.Caller, error) {
	caller, ok := auth.CallerFromContext(ctx)
	if !ok {
		return auth.Caller{}, status.Error(codes.Unauthenticated, "unauthorized")
	}
	return caller, nil
}

func (s *FundsServer) toStatus(method string, err error) error {
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound):
		return status.Error(codes.NotFound, funds.MessageAccountNotFound)
	case errors.Is(err, ledger.ErrClientNotFound):
		return status.Error(codes.NotFound, funds.MessageClientNotFound)
	case errors.Is(err, funds.ErrPermissionDenied):
		return status.Error(codes.PermissionDenied, funds.MessageUnauthorized)
	case errors.Is(err, funds.ErrInsufficientBalance):
		return status.Error(codes.FailedPrecondition, funds.MessageInsufficientBalance)
	case errors.Is(err, funds.ErrInvalidAmount), errors.Is(err, funds.ErrInvalidCurrency):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, exchange.ErrUnavailable):
		return status.Error(codes.Unavailable, funds.MessageExchangeUnavailable)
	case errors.Is(err, funds.ErrFailedAccountUpdate):
		return status.Error(codes.Aborted, funds.MessageTransferError)
	}
	s.logger().Error("rpc failed", "method", method, "error", err)
	return status.Error(codes.Internal, "internal error")
}

// FundsService is the handler type registered with grpc.
type FundsService interface {
	Deposit(ctx context.Context, req *funds.DepositRequest) (*ledger.Account, error)
	Withdraw(ctx context.Context, req *funds.WithdrawRequest) (*ledger.Account, error)
	Transfer(ctx context.Context, req *funds.TransferRequest) (*funds.TransferResult, error)
	ListTransactions(ctx context.Context, req *ListTransactionsRequest) (*funds.HistoryPage, error)
	CreateAccount(ctx context.Context, req *CreateAccountRequest) (*ledger.Account, error)
}

var _ FundsService = (*FundsServer)(nil)

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*FundsService)(nil),
	Methods: []grpc.MethodDesc{
		unary("Deposit", MethodDeposit, FundsService.Deposit),
		unary("Withdraw", MethodWithdraw, FundsService.Withdraw),
		unary("Transfer", MethodTransfer, FundsService.Transfer),
		unary("ListTransactions", MethodListTransactions, FundsService.ListTransactions),
		unary("CreateAccount", MethodCreateAccount, FundsService.CreateAccount),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "fxledger/funds",
}

// RegisterFundsServer registers srv on s.
func RegisterFundsServer(s grpc.ServiceRegistrar, srv FundsService) {
	s.RegisterService(&ServiceDesc, srv)
}

func unary[Req, Resp any](name, fullMethod string, call func(FundsService, context.Context, *Req) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, status.Error(codes.InvalidArgument, err.Error())
			}
			svc := srv.(FundsService)
			if interceptor == nil {
				return call(svc, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(svc, ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}
