// Command x402-pay calls a metered endpoint, pays the quoted amount with an
// SPL token transfer and retries the call with the payment attached.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/vitwit/x402-gate/clients"
	"github.com/vitwit/x402-gate/encoding"
	"github.com/vitwit/x402-gate/types"
	"github.com/vitwit/x402-gate/utils"
)

const (
	paymentHeader = "X-Payment"
	quoteHeader   = "X-Payment-Quote"
)

type options struct {
	endpoint   string
	model      string
	message    string
	keypair    string
	rpcURL     string
	maxAmount  string
	decimals   uint
	versioned  bool
	retries    int
	retryDelay time.Duration
}

func main() {
	var o options
	flag.StringVar(&o.endpoint, "url", "http://localhost:8080/api/ai", "metered endpoint")
	flag.StringVar(&o.model, "model", "gpt-4.5", "operation key")
	flag.StringVar(&o.message, "message", "", "prompt to send")
	flag.StringVar(&o.keypair, "keypair", os.ExpandEnv("$HOME/.config/solana/id.json"), "payer keypair file")
	flag.StringVar(&o.rpcURL, "rpc", rpc.DevNet_RPC, "Solana RPC endpoint used for the recent blockhash")
	flag.StringVar(&o.maxAmount, "max", "1", "refuse quotes above this amount in asset units")
	flag.UintVar(&o.decimals, "decimals", 6, "asset decimals")
	flag.BoolVar(&o.versioned, "v0", false, "build a v0 transaction")
	flag.IntVar(&o.retries, "retries", 5, "retries while the payment is pending")
	flag.DurationVar(&o.retryDelay, "retry-delay", 3*time.Second, "delay between pending retries")
	flag.Parse()

	if o.message == "" {
		log.Fatal("-message is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	out, err := pay(ctx, o)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(string(out))
}

func pay(ctx context.Context, o options) ([]byte, error) {
	limit, err := utils.ValidateAmount(o.maxAmount)
	if err != nil {
		return nil, fmt.Errorf("invalid -max: %w", err)
	}
	maxMinorUnits := limit.Shift(int32(o.decimals)).IntPart()

	payer, err := solana.PrivateKeyFromSolanaKeygenFile(o.keypair)
	if err != nil {
		return nil, fmt.Errorf("failed to load keypair: %w", err)
	}

	body, err := json.Marshal(map[string]string{"message": o.message, "model": o.model})
	if err != nil {
		return nil, err
	}

	status, resp, err := post(ctx, o.endpoint, body, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusPaymentRequired {
		return resp, checkStatus(status, resp)
	}

	var quoted struct {
		Payment types.PaymentQuote `json:"payment"`
	}
	if err := json.Unmarshal(resp, &quoted); err != nil {
		return nil, fmt.Errorf("failed to decode quote: %w", err)
	}
	q := quoted.Payment
	if q.AmountMinorUnits > maxMinorUnits {
		return nil, fmt.Errorf("quote of %s exceeds -max %s", q.AmountDisplay, o.maxAmount)
	}
	log.Printf("paying %s to %s on %s", q.AmountDisplay, q.Recipient.TokenAccount, q.Network)

	header, err := buildPayment(ctx, o, payer, q)
	if err != nil {
		return nil, err
	}
	headers := map[string]string{paymentHeader: header}
	if q.QuoteToken != "" {
		headers[quoteHeader] = q.QuoteToken
	}

	for attempt := 0; ; attempt++ {
		status, resp, err = post(ctx, o.endpoint, body, headers)
		if err != nil {
			return nil, err
		}
		if status != http.StatusAccepted || attempt >= o.retries {
			return resp, checkStatus(status, resp)
		}
		log.Printf("payment pending, retrying in %s", o.retryDelay)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(o.retryDelay):
		}
	}
}

func buildPayment(ctx context.Context, o options, payer solana.PrivateKey, q types.PaymentQuote) (string, error) {
	recipient, err := solana.PublicKeyFromBase58(q.Recipient.Wallet)
	if err != nil {
		return "", fmt.Errorf("invalid recipient in quote: %w", err)
	}
	mint, err := solana.PublicKeyFromBase58(q.AssetID)
	if err != nil {
		return "", fmt.Errorf("invalid asset in quote: %w", err)
	}

	latest, err := rpc.New(o.rpcURL).GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return "", fmt.Errorf("failed to get latest blockhash: %w", err)
	}

	tx, err := clients.BuildTransferTransaction(clients.TransferParams{
		Payer:           payer,
		Recipient:       recipient,
		Mint:            mint,
		Amount:          uint64(q.AmountMinorUnits),
		Decimals:        uint8(o.decimals),
		RecentBlockhash: latest.Value.Blockhash,
		Versioned:       o.versioned,
	})
	if err != nil {
		return "", err
	}
	encoded, err := clients.EncodeTransaction(tx)
	if err != nil {
		return "", err
	}
	log.Printf("signed transaction %s", tx.Signatures[0])

	return encoding.EncodeProof(types.PaymentProof{
		X402Version: int(types.X402Version1),
		Scheme:      string(types.SchemeExact),
		Network:     q.Network.String(),
		Payload:     types.ProofPayload{SignedTransaction: encoded},
	})
}

func post(ctx context.Context, url string, body []byte, headers map[string]string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, data, nil
}

func checkStatus(status int, body []byte) error {
	switch status {
	case http.StatusOK:
		return nil
	case http.StatusAccepted:
		return errors.New("payment still pending; retry with the same transaction later")
	}
	var e struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if json.Unmarshal(body, &e) == nil && e.Code != "" {
		return fmt.Errorf("%d %s: %s", status, e.Code, e.Error)
	}
	return errors.New(http.StatusText(status))
}
