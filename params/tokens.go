package params

import (
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/uhyunpark/custodex/pkg/app/core/asset"
)

// TokenSpec describes one devnet token. Supply is in whole units and is
// scaled by Decimals when the token is deployed.
type TokenSpec struct {
	Name     string          `yaml:"name"`
	Symbol   string          `yaml:"symbol"`
	Decimals uint8           `yaml:"decimals"`
	Supply   decimal.Decimal `yaml:"supply"`
	Address  string          `yaml:"address"`
	Deployer string          `yaml:"deployer"`
}

type tokensFile struct {
	Tokens []TokenSpec `yaml:"tokens"`
}

// DefaultTokens is the registry used when no tokens file is configured
func DefaultTokens() []TokenSpec {
	return []TokenSpec{{
		Name:     "DApp Token",
		Symbol:   "DAPP",
		Decimals: 18,
		Supply:   decimal.NewFromInt(1_000_000),
		Address:  "0x0000000000000000000000000000000000DA0700",
		Deployer: DevnetDeployer.Hex(),
	}}
}

// LoadTokens reads a YAML token registry
func LoadTokens(path string) ([]TokenSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var f tokensFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	seen := make(map[common.Address]bool)
	for i, t := range f.Tokens {
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("token %d (%s): %w", i, t.Symbol, err)
		}
		addr := t.TokenAddress()
		if seen[addr] {
			return nil, fmt.Errorf("token %d (%s): duplicate address %s", i, t.Symbol, addr.Hex())
		}
		seen[addr] = true
	}
	return f.Tokens, nil
}

func (t TokenSpec) Validate() error {
	if t.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if !common.IsHexAddress(t.Address) || common.HexToAddress(t.Address) == (common.Address{}) {
		return fmt.Errorf("invalid address %q", t.Address)
	}
	if t.Deployer != "" && !common.IsHexAddress(t.Deployer) {
		return fmt.Errorf("invalid deployer %q", t.Deployer)
	}
	if _, err := t.BaseSupply(); err != nil {
		return err
	}
	return nil
}

func (t TokenSpec) TokenAddress() common.Address {
	return common.HexToAddress(t.Address)
}

// DeployerAddress defaults to the devnet deployer
func (t TokenSpec) DeployerAddress() common.Address {
	if t.Deployer == "" {
		return DevnetDeployer
	}
	return common.HexToAddress(t.Deployer)
}

// BaseSupply converts Supply to base units (Supply * 10^Decimals)
func (t TokenSpec) BaseSupply() (*uint256.Int, error) {
	v, err := asset.ParseUnits(t.Supply.String(), t.Decimals)
	if err != nil {
		return nil, fmt.Errorf("token %s supply: %w", t.Symbol, err)
	}
	return v, nil
}
