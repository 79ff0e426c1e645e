package cmd

import (
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/spf13/cobra"
)

var balanceAccount string

var balanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Query an account's balances by name",
	Run:   balanceRun,
}

func init() {
	rootCmd.AddCommand(balanceCmd)
	balanceCmd.Flags().StringVar(&balanceAccount, "name", "", "Account name to query.")
}

func balanceRun(cmd *cobra.Command, args []string) {
	resp, err := http.Get(nodeURL + "/v1/accounts/" + balanceAccount)
	if err != nil {
		log.Fatal(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	fmt.Printf("%s\n", body)
}
