package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// contractABI lists the events the relay understands. TokensBurned and
// RequestFulfilled match the deployed Sepolia contract.
const contractABI = `[
  {"anonymous":false,"name":"TokensBurned","type":"event","inputs":[
    {"indexed":true,"internalType":"address","name":"burnerAddress","type":"address"},
    {"indexed":false,"internalType":"uint256","name":"amount","type":"uint256"},
    {"indexed":true,"internalType":"uint256","name":"timestamp","type":"uint256"}]},
  {"anonymous":false,"name":"RequestFulfilled","type":"event","inputs":[
    {"indexed":false,"internalType":"uint256","name":"requestId","type":"uint256"},
    {"indexed":false,"internalType":"uint256[]","name":"randomWords","type":"uint256[]"},
    {"indexed":true,"internalType":"uint256","name":"timestamp","type":"uint256"}]},
  {"anonymous":false,"name":"EntryRegistered","type":"event","inputs":[
    {"indexed":true,"internalType":"address","name":"participant","type":"address"},
    {"indexed":true,"internalType":"uint256","name":"timestamp","type":"uint256"}]},
  {"anonymous":false,"name":"EntriesPurchased","type":"event","inputs":[
    {"indexed":true,"internalType":"address","name":"buyer","type":"address"},
    {"indexed":false,"internalType":"uint256","name":"count","type":"uint256"},
    {"indexed":true,"internalType":"uint256","name":"timestamp","type":"uint256"}]}
]`

func ContractABI() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(contractABI))
}
