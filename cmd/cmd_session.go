package cmd

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/spf13/cobra"

	"github.com/PsyLabsWeb3/Flip10/chain"
	"github.com/PsyLabsWeb3/Flip10/config"
	"github.com/PsyLabsWeb3/Flip10/logging"
	"github.com/PsyLabsWeb3/Flip10/persistence"
)

const (
	flagSessionID = "session-id"
	flagWinner    = "winner"
	flagProofHash = "proof-hash"
)

// StartSessionCmd returns the operator command that re-drives the on-chain
// session start. Both contract calls are idempotent, so these commands are
// safe to run while the coordinator is up.
func StartSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start-session",
		Short: "Submit the on-chain start for the persisted session",
		Long: `Submit startSession for the current session.

Reads the session id from the persisted session pointer unless --session-id
is given. Use this when the coordinator logged an on-chain start failure.
`,
		RunE: runStartSession,
	}

	cmd.Flags().String(flagConfig, "", "Path to config YAML file")
	cmd.Flags().Int64(flagSessionID, 0, "Session id override (defaults to the persisted pointer)")

	return cmd
}

func runStartSession(cmd *cobra.Command, _ []string) error {
	env, err := newSessionCmdEnv(cmd)
	if err != nil {
		return err
	}
	defer env.close()

	err = logging.RecoverWithLogger(env.logger, logging.ComponentOperatorCommand, "start_session", func() error {
		return env.contract.StartSession(cmd.Context(), env.sessionID)
	})
	if err != nil {
		return fmt.Errorf("startSession failed: %w", err)
	}

	env.logger.Info().Int64(logging.FieldSessionID, env.sessionID).Msg("session start submitted")
	return nil
}

// FinalizeSessionCmd returns the operator command that re-drives the
// on-chain finalize after a logged background failure.
func FinalizeSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "finalize-session",
		Short: "Submit the on-chain finalize for a session",
		Long: `Submit finalizeSession for a session.

Reads the session id from the persisted session pointer unless --session-id
is given. The winner address is required; pass the proof hash the
coordinator logged when it finalized the session in memory.
`,
		RunE: runFinalizeSession,
	}

	cmd.Flags().String(flagConfig, "", "Path to config YAML file")
	cmd.Flags().Int64(flagSessionID, 0, "Session id override (defaults to the persisted pointer)")
	cmd.Flags().String(flagWinner, "", "Winning player address (required)")
	cmd.Flags().String(flagProofHash, "", "Proof hash hex (32 bytes)")

	return cmd
}

func runFinalizeSession(cmd *cobra.Command, _ []string) error {
	winner, _ := cmd.Flags().GetString(flagWinner)
	if !common.IsHexAddress(winner) {
		return fmt.Errorf("--winner must be a valid address")
	}

	proofHex, _ := cmd.Flags().GetString(flagProofHash)
	var proofHash common.Hash
	if proofHex != "" {
		proofHash = common.HexToHash(proofHex)
	}

	env, err := newSessionCmdEnv(cmd)
	if err != nil {
		return err
	}
	defer env.close()

	winner = common.HexToAddress(winner).Hex()
	err = logging.RecoverWithLogger(env.logger, logging.ComponentOperatorCommand, "finalize_session", func() error {
		return env.contract.FinalizeSession(cmd.Context(), env.sessionID, winner, proofHash)
	})
	if err != nil {
		return fmt.Errorf("finalizeSession failed: %w", err)
	}

	if err := env.pointers.Clear(); err != nil {
		env.logger.Warn().Err(err).Msg("failed to remove session pointer")
	}

	env.logger.Info().
		Int64(logging.FieldSessionID, env.sessionID).
		Str(logging.FieldWinner, winner).
		Msg("session finalize submitted")
	return nil
}

// sessionCmdEnv is the shared setup for the one-shot session commands.
type sessionCmdEnv struct {
	logger    logging.Logger
	client    *ethclient.Client
	contract  *chain.Contract
	pointers  *persistence.FileStore
	sessionID int64
}

func newSessionCmdEnv(cmd *cobra.Command) (*sessionCmdEnv, error) {
	configPath, _ := cmd.Flags().GetString(flagConfig)
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger := logging.NewLoggerFromConfig(cfg.Logging)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	pointers, err := persistence.NewFileStore(logger, cfg.SessionStorePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}

	sessionID, _ := cmd.Flags().GetInt64(flagSessionID)
	if sessionID == 0 {
		ptr := pointers.Load()
		if ptr == nil {
			return nil, fmt.Errorf("no persisted session pointer; pass --session-id")
		}
		sessionID = ptr.SessionID
	}

	client, err := ethclient.DialContext(cmd.Context(), cfg.RPCWSURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial chain provider: %w", err)
	}

	contract, err := chain.NewContract(
		cmd.Context(),
		logger,
		client,
		common.HexToAddress(cfg.ContractAddress),
		cfg.AuthorityPrivateKey,
		cfg.GetTxWaitTimeout(),
	)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to bind contract: %w", err)
	}

	return &sessionCmdEnv{
		logger:    logger,
		client:    client,
		contract:  contract,
		pointers:  pointers,
		sessionID: sessionID,
	}, nil
}

func (e *sessionCmdEnv) close() {
	e.client.Close()
}
