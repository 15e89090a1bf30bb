package ledger

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/algorand/go-algorand-sdk/v2/client/v2/algod"
	"github.com/algorand/go-algorand-sdk/v2/client/v2/common/models"
	"github.com/algorand/go-algorand-sdk/v2/types"

	"claimdrop/internal/claimerr"
)

// AlgodClient talks to a node's REST API.
type AlgodClient struct {
	algod *algod.Client
	url   string
}

type AlgodConfig struct {
	URL   string
	Token string
}

// TEAL value type tags in global state.
const (
	tealBytesType = 1
	tealUintType  = 2
)

func NewAlgodClient(cfg AlgodConfig) (*AlgodClient, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("algod url is required")
	}
	cli, err := algod.MakeClient(cfg.URL, cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("algod client: %w", err)
	}
	return &AlgodClient{algod: cli, url: cfg.URL}, nil
}

func (c *AlgodClient) networkErr(err error, op string) error {
	return claimerr.Wrap(claimerr.KindNetwork, err, "%s via %s", op, c.url)
}

func (c *AlgodClient) Ping(ctx context.Context) error {
	if _, err := c.algod.Status().Do(ctx); err != nil {
		return c.networkErr(err, "node status")
	}
	return nil
}

func (c *AlgodClient) Compile(ctx context.Context, source string) (Program, error) {
	resp, err := c.algod.TealCompile([]byte(source)).Do(ctx)
	if err != nil {
		if strings.Contains(err.Error(), "400") {
			return Program{}, claimerr.Wrap(claimerr.KindBuild, err, "program does not compile")
		}
		return Program{}, c.networkErr(err, "compile program")
	}
	bytecode, err := base64.StdEncoding.DecodeString(resp.Result)
	if err != nil {
		return Program{}, claimerr.Wrap(claimerr.KindBuild, err, "malformed compiled program")
	}
	return Program{Bytes: bytecode, Hash: resp.Hash}, nil
}

func (c *AlgodClient) SuggestedParams(ctx context.Context) (types.SuggestedParams, error) {
	sp, err := c.algod.SuggestedParams().Do(ctx)
	if err != nil {
		return types.SuggestedParams{}, c.networkErr(err, "suggested params")
	}
	return sp, nil
}

func (c *AlgodClient) Submit(ctx context.Context, signed []byte) (string, error) {
	txID, err := c.algod.SendRawTransaction(signed).Do(ctx)
	if err != nil {
		if looksRejected(err.Error()) {
			return "", &RejectedError{Reason: err.Error()}
		}
		return "", c.networkErr(err, "submit transaction")
	}
	return txID, nil
}

func (c *AlgodClient) PendingInfo(ctx context.Context, txID string) (Receipt, error) {
	info, _, err := c.algod.PendingTransactionInformation(txID).Do(ctx)
	if err != nil {
		if strings.Contains(err.Error(), "404") {
			return Receipt{}, fmt.Errorf("pending transaction %s: %w", txID, ErrNotFound)
		}
		return Receipt{}, c.networkErr(err, "pending transaction "+txID)
	}
	return Receipt{
		TxID:             txID,
		ConfirmedRound:   info.ConfirmedRound,
		ApplicationIndex: info.ApplicationIndex,
		PoolError:        info.PoolError,
	}, nil
}

func (c *AlgodClient) Status(ctx context.Context) (uint64, error) {
	status, err := c.algod.Status().Do(ctx)
	if err != nil {
		return 0, c.networkErr(err, "node status")
	}
	return status.LastRound, nil
}

func (c *AlgodClient) WaitForRound(ctx context.Context, round uint64) (uint64, error) {
	status, err := c.algod.StatusAfterBlock(round).Do(ctx)
	if err != nil {
		return 0, c.networkErr(err, fmt.Sprintf("wait for round %d", round))
	}
	return status.LastRound, nil
}

func (c *AlgodClient) Account(ctx context.Context, address string) (Account, error) {
	info, err := c.algod.AccountInformation(address).Do(ctx)
	if err != nil {
		return Account{}, c.networkErr(err, "account "+address)
	}
	acct := Account{
		Address:    info.Address,
		Amount:     info.Amount,
		MinBalance: info.MinBalance,
	}
	for _, app := range info.CreatedApps {
		converted, err := convertApplication(app)
		if err != nil {
			return Account{}, err
		}
		acct.CreatedApps = append(acct.CreatedApps, converted)
	}
	return acct, nil
}

func (c *AlgodClient) Application(ctx context.Context, id uint64) (Application, error) {
	app, err := c.algod.GetApplicationByID(id).Do(ctx)
	if err != nil {
		if strings.Contains(err.Error(), "404") {
			return Application{}, fmt.Errorf("application %d: %w", id, ErrNotFound)
		}
		return Application{}, c.networkErr(err, fmt.Sprintf("application %d", id))
	}
	return convertApplication(app)
}

func convertApplication(app models.Application) (Application, error) {
	out := Application{
		ID:          app.Id,
		Creator:     app.Params.Creator,
		GlobalState: make(map[string]StateValue, len(app.Params.GlobalState)),
	}
	for _, kv := range app.Params.GlobalState {
		key, err := base64.StdEncoding.DecodeString(kv.Key)
		if err != nil {
			return Application{}, claimerr.Wrap(claimerr.KindInvalidReceipt, err, "application %d state key", app.Id)
		}
		switch kv.Value.Type {
		case tealBytesType:
			raw, err := base64.StdEncoding.DecodeString(kv.Value.Bytes)
			if err != nil {
				return Application{}, claimerr.Wrap(claimerr.KindInvalidReceipt, err, "application %d state %q", app.Id, key)
			}
			out.GlobalState[string(key)] = StateValue{Bytes: raw, IsBytes: true}
		case tealUintType:
			out.GlobalState[string(key)] = StateValue{Uint: kv.Value.Uint}
		default:
			return Application{}, claimerr.New(claimerr.KindInvalidReceipt, "application %d state %q has unknown type %d", app.Id, key, kv.Value.Type)
		}
	}
	return out, nil
}
