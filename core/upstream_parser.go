package core

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"
)

// ParserContractTable is the fixed contract-name to TxType mapping
// exported so the block processor and tests can assert coverage,
// supplementing spec.md §4.D per SPEC_FULL.md.
var ParserContractTable = map[string]TxType{
	"token_create":            TxTokenCreate,
	"token_mint":              TxTokenMint,
	"token_transfer":          TxTokenTransfer,
	"nft_collection_create":   TxNFTCollectionCreate,
	"nft_mint":                TxNFTMint,
	"nft_transfer":            TxNFTTransfer,
	"market_create":           TxMarketCreate,
	"market_place_order":      TxMarketPlaceOrder,
	"pool_create":             TxPoolCreate,
	"stake":                   TxStake,
	"unstake":                 TxUnstake,
	"farm_create":             TxFarmCreate,
	"farm_stake":              TxFarmStake,
	"farm_unstake":            TxFarmUnstake,
	"farm_claim":              TxFarmClaim,
	"witness_register":        TxWitnessRegister,
	"witness_vote":            TxWitnessVote,
	"witness_unvote":          TxWitnessUnvote,
}

// UpstreamParser extracts typed sidechain transactions out of an
// upstream block's custom_json operations, per spec.md §4.D.
type UpstreamParser struct {
	sidechainTag string
	logger       *logrus.Logger
}

// NewUpstreamParser builds a parser that only considers custom_json
// operations whose identifier equals sidechainTag.
func NewUpstreamParser(sidechainTag string, logger *logrus.Logger) *UpstreamParser {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &UpstreamParser{sidechainTag: sidechainTag, logger: logger}
}

type customJSONPayload struct {
	Contract string         `json:"contract"`
	Payload  map[string]any `json:"payload"`
}

// Parse returns every recognized sidechain transaction in block, and
// the block's millisecond timestamp.
func (p *UpstreamParser) Parse(block UpstreamBlock) ([]Transaction, int64, error) {
	tsMs := block.Timestamp.UnixMilli()
	var out []Transaction
	opIndex := 0

	for _, tx := range block.Transactions {
		for _, op := range tx.Operations {
			idx := opIndex
			opIndex++

			if op.Type != "custom_json" {
				continue
			}
			id, _ := op.Data["id"].(string)
			if id != p.sidechainTag {
				continue
			}

			sender, ok := firstAuthority(op.Data)
			if !ok {
				p.logger.WithField("ref", ref(block.Number, idx)).Debug("custom_json with no active authorities, skipping")
				continue
			}

			rawJSON, _ := op.Data["json"].(string)
			var payload customJSONPayload
			if err := json.Unmarshal([]byte(rawJSON), &payload); err != nil {
				p.logger.WithField("ref", ref(block.Number, idx)).WithError(err).Debug("custom_json payload did not parse, skipping")
				continue
			}

			txType, ok := resolveContract(payload.Contract)
			if !ok {
				p.logger.WithField("contract", payload.Contract).Debug("unknown contract, dropping operation")
				continue
			}

			out = append(out, Transaction{
				Type:   txType,
				Data:   payload.Payload,
				Sender: Address(sender),
				TS:     tsMs,
				Ref:    ref(block.Number, idx),
				Hash:   tx.TransactionID,
			})
		}
	}
	return out, tsMs, nil
}

func ref(blockNumber int64, opIndex int) string {
	return fmt.Sprintf("%d:%d", blockNumber, opIndex)
}

func firstAuthority(data map[string]any) (string, bool) {
	for _, key := range []string{"required_posting_auths", "required_auths"} {
		if list, ok := data[key].([]any); ok && len(list) > 0 {
			if s, ok := list[0].(string); ok && s != "" {
				return s, true
			}
		}
	}
	return "", false
}

func resolveContract(contract string) (TxType, bool) {
	if t, ok := ParserContractTable[contract]; ok {
		return t, true
	}
	if n, err := strconv.Atoi(contract); err == nil {
		for _, t := range ParserContractTable {
			if int(t) == n {
				return t, true
			}
		}
	}
	return TxUnknown, false
}
