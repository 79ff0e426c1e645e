package cmd

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"

	"github.com/stakeforge/blockchain/foundation/blockchain/types"
)

var (
	sendFrom   uint64
	sendTo     uint64
	sendAmount int64
	sendFee    int64
	sendChain  string
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Sign and submit a transfer",
	Run:   sendRun,
}

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().Uint64VarP(&sendFrom, "from", "f", 0, "Account id sending the funds.")
	sendCmd.Flags().Uint64VarP(&sendTo, "to", "t", 0, "Account id receiving the funds.")
	sendCmd.Flags().Int64VarP(&sendAmount, "value", "v", 0, "Amount of the core asset to send.")
	sendCmd.Flags().Int64Var(&sendFee, "fee", 0, "Fee in the core asset.")
	sendCmd.Flags().StringVar(&sendChain, "chain-id", "", "Hex chain id binding the signature to one network.")
}

func sendRun(cmd *cobra.Command, args []string) {
	privateKey, err := crypto.LoadECDSA(getPrivateKeyPath())
	if err != nil {
		log.Fatal(err)
	}

	var chainID types.ChainID
	raw, err := hex.DecodeString(sendChain)
	if err != nil || len(raw) != len(chainID) {
		log.Fatal("chain-id must be 32 bytes of hex")
	}
	copy(chainID[:], raw)

	status, err := nodeStatus()
	if err != nil {
		log.Fatal(err)
	}

	tx := types.SignedTransaction{
		Transaction: types.Transaction{
			RefBlockNum:    uint16(status.HeadBlockNum & 0xffff),
			RefBlockPrefix: status.headBlockID().TaposPrefix(),
			Expiration:     uint32(time.Now().UTC().Unix()) + 120,
			Operations: []types.Operation{
				&types.TransferOperation{
					Fee:    types.AssetAmount{Amount: sendFee},
					From:   types.AccountID(sendFrom),
					To:     types.AccountID(sendTo),
					Amount: types.AssetAmount{Amount: sendAmount},
				},
			},
		},
	}

	if err := tx.Sign(privateKey, chainID); err != nil {
		log.Fatal(err)
	}

	payload, err := json.Marshal(struct {
		TxHex string `json:"tx_hex"`
	}{TxHex: hex.EncodeToString(tx.Marshal())})
	if err != nil {
		log.Fatal(err)
	}

	resp, err := http.Post(nodeURL+"/v1/tx/submit", "application/json", bytes.NewReader(payload))
	if err != nil {
		log.Fatal(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	fmt.Printf("%s: %s\n", resp.Status, body)
}

// =============================================================================

type statusResponse struct {
	HeadBlockNum uint32 `json:"head_block_num"`
	HeadBlockID  string `json:"head_block_id"`
}

func (s statusResponse) headBlockID() types.BlockID {
	var id types.BlockID
	raw, err := hex.DecodeString(s.HeadBlockID)
	if err == nil {
		copy(id[:], raw)
	}
	return id
}

func nodeStatus() (statusResponse, error) {
	resp, err := http.Get(nodeURL + "/v1/node/status")
	if err != nil {
		return statusResponse{}, err
	}
	defer resp.Body.Close()

	var status statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return statusResponse{}, err
	}
	return status, nil
}
