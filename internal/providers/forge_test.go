package providers

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildCreateArgs(t *testing.T) {
	args := buildCreateArgs("src/Token.sol", "Token", "https://rpc.example", "0xkey", []string{"1000000", "owner"})
	require.Equal(t, []string{
		"create", "src/Token.sol:Token",
		"--rpc-url", "https://rpc.example",
		"--json",
		"--private-key", "0xkey",
		"--constructor-args", "1000000", "owner",
	}, args)

	args = buildCreateArgs("src/Token.sol", "Token", "https://rpc.example", "", nil)
	require.Equal(t, []string{
		"create", "src/Token.sol:Token",
		"--rpc-url", "https://rpc.example",
		"--json",
	}, args)
}

func TestParseForgeCreate(t *testing.T) {
	out := []byte(`Compiling 1 files with Solc 0.8.20
Solc 0.8.20 finished in 301.23ms
{"deployer":"0xabc","deployedTo":"0x5FbDB2315678afecb367f032d93F642f64180aa3","transactionHash":"0x89e6"}
`)
	dep, err := parseForgeCreate(out, "sepolia", "Token")
	require.NoError(t, err)
	require.Equal(t, "0x5FbDB2315678afecb367f032d93F642f64180aa3", dep.Address)
	require.Equal(t, "0x89e6", dep.TxHash)
	require.Equal(t, "sepolia", dep.Network)
	require.Equal(t, "Token", dep.Contract)
	require.False(t, dep.Simulated)
}

func TestParseForgeCreate_NoDeployment(t *testing.T) {
	_, err := parseForgeCreate([]byte("Compiling 1 files\nnothing else\n"), "sepolia", "Token")
	require.Error(t, err)

	_, err = parseForgeCreate([]byte(`{"deployer":"0xabc"}`), "sepolia", "Token")
	require.Error(t, err)
}

func TestParseForgeTestOutput(t *testing.T) {
	out := []byte(`Ran 2 tests for test/Token.t.sol:TokenTest
Suite result: ok. 2 passed; 0 failed; 0 skipped; finished in 1.2ms
Ran 3 tests for test/Vault.t.sol:VaultTest
Suite result: FAILED. 2 passed; 1 failed; 0 skipped; finished in 3.4ms
`)
	report := parseForgeTestOutput(out)
	require.NotNil(t, report)
	require.Equal(t, 4, report.Passed)
	require.Equal(t, 1, report.Failed)
	require.NotEmpty(t, report.Output)
}

func TestParseForgeTestOutput_NoSuites(t *testing.T) {
	require.Nil(t, parseForgeTestOutput([]byte("No tests found in project!")))
}

func TestForgeDeployer_MissingRPC(t *testing.T) {
	deployer := NewForgeDeployer(ForgeConfig{RPCURLs: map[string]string{"sepolia": "https://rpc.example"}}, nil)
	_, err := deployer.Deploy(context.Background(), "contract A {}\n", "mainnet", nil)

	var deployErr *DeployError
	require.ErrorAs(t, err, &deployErr)
	require.Equal(t, "mainnet", deployErr.Network)
	require.Contains(t, deployErr.Reason, "no rpc endpoint configured")
}

func TestForgeDeployer_MalformedSource(t *testing.T) {
	deployer := NewForgeDeployer(ForgeConfig{}, nil)
	_, err := deployer.Deploy(context.Background(), "no contracts here", "sepolia", nil)

	var compileErr *CompileError
	require.ErrorAs(t, err, &compileErr)
}

func TestForgeVerifier_RejectsSimulated(t *testing.T) {
	verifier := NewForgeVerifier(ForgeConfig{}, nil)
	err := verifier.Verify(context.Background(), &Deployment{Simulated: true, Contract: "Token"}, "contract Token {}")
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestForgeVerifier_BinaryMissing(t *testing.T) {
	verifier := NewForgeVerifier(ForgeConfig{Binary: "definitely-not-installed-anywhere"}, nil)
	err := verifier.Verify(context.Background(), &Deployment{Contract: "Token"}, "contract Token {}")
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestForgeTester_BinaryMissing(t *testing.T) {
	tester := NewForgeTester(ForgeConfig{Binary: "definitely-not-installed-anywhere"}, nil)
	_, err := tester.Test(context.Background(), "contract Token {}")
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestCompileErrorIsDistinctFromDeployError(t *testing.T) {
	var compileErr *CompileError
	var deployErr *DeployError

	err := error(&CompileError{Output: "boom"})
	require.True(t, errors.As(err, &compileErr))
	require.False(t, errors.As(err, &deployErr))
}
