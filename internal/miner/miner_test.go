package miner

import (
	"testing"

	"github.com/ferrite-chain/ferrite/config"
	"github.com/ferrite-chain/ferrite/internal/chain"
	"github.com/ferrite-chain/ferrite/internal/consensus"
	"github.com/ferrite-chain/ferrite/internal/coordinator"
	"github.com/ferrite-chain/ferrite/internal/mempool"
	"github.com/ferrite-chain/ferrite/internal/storage"
	"github.com/ferrite-chain/ferrite/internal/utxo"
	"github.com/ferrite-chain/ferrite/pkg/crypto"
	"github.com/ferrite-chain/ferrite/pkg/tx"
	"github.com/ferrite-chain/ferrite/pkg/types"
	"github.com/rs/zerolog"
)

const easyBits = uint32(0x207fffff)

// testRig wires a genesis-initialized chain, mempool, and coordinator — the
// real collaborators a Miner talks to through the coordinator's single
// writer lock, rather than the narrow mocked interfaces a validator-signed
// chain could get away with.
type testRig struct {
	coord *coordinator.Coordinator
	ch    *chain.Chain
	pow   *consensus.PoW
	key   *crypto.PrivateKey
	addr  types.Address
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	addr := crypto.AddressFromPubKey(key.PublicKey())

	pow, err := consensus.NewPoW(easyBits, 0, 3)
	if err != nil {
		t.Fatalf("NewPoW: %v", err)
	}

	gen := &config.Genesis{
		ChainID:   "test-chain",
		Timestamp: 1700000000,
		Alloc:     map[string]uint64{addr.Hex(): 5000},
		Protocol: config.ProtocolConfig{
			Consensus: config.ConsensusRules{
				TargetBlockTime: 3,
				InitialBits:     easyBits,
				BlockReward:     1000,
			},
		},
	}

	db := storage.NewMemory()
	utxoStore := utxo.NewStore(db)
	ch, err := chain.New(types.ChainID{}, db, utxoStore, pow)
	if err != nil {
		t.Fatalf("chain.New: %v", err)
	}
	if err := ch.InitFromGenesis(gen); err != nil {
		t.Fatalf("InitFromGenesis: %v", err)
	}

	txp := mempool.New(NewUTXOAdapter(ch.UTXOs()), 1<<20)

	coord := coordinator.New(ch, txp, zerolog.Nop())

	return &testRig{coord: coord, ch: ch, pow: pow, key: key, addr: addr}
}

// utxosByAddress type-asserts to the concrete *utxo.Store so tests can use
// its address-indexed lookup, which is not part of the utxo.Set interface.
func (rig *testRig) utxosByAddress(t *testing.T, addr types.Address) []*utxo.UTXO {
	t.Helper()
	store, ok := rig.ch.UTXOs().(*utxo.Store)
	if !ok {
		t.Fatalf("UTXOs() = %T, want *utxo.Store", rig.ch.UTXOs())
	}
	got, err := store.GetByAddress(addr)
	if err != nil {
		t.Fatalf("GetByAddress: %v", err)
	}
	return got
}

func TestBuildCoinbase(t *testing.T) {
	addr := types.Address{0x01, 0x02, 0x03}
	cb := BuildCoinbase(addr, 50000, 42)

	if cb.Version != 1 {
		t.Errorf("version: got %d, want 1", cb.Version)
	}
	if len(cb.Inputs) != 1 {
		t.Fatalf("inputs: got %d, want 1", len(cb.Inputs))
	}
	if !cb.Inputs[0].PrevOut.IsZero() {
		t.Error("coinbase input should be zero outpoint")
	}
	if len(cb.Inputs[0].Signature) != 8 {
		t.Errorf("coinbase signature should be 8-byte height, got %d", len(cb.Inputs[0].Signature))
	}
	if len(cb.Inputs[0].PubKey) != 0 {
		t.Error("coinbase should have no pubkey")
	}
	if len(cb.Outputs) != 1 {
		t.Fatalf("outputs: got %d, want 1", len(cb.Outputs))
	}
	if cb.Outputs[0].Value != 50000 {
		t.Errorf("output value: got %d, want 50000", cb.Outputs[0].Value)
	}
	if cb.Outputs[0].Script.Type != types.ScriptTypeP2PKH {
		t.Error("output script should be P2PKH")
	}

	// Different heights must produce different tx hashes.
	cb2 := BuildCoinbase(addr, 50000, 43)
	if cb.Hash() == cb2.Hash() {
		t.Error("coinbase txs at different heights must have different hashes")
	}
}

func TestBuildCoinbase_Validate(t *testing.T) {
	addr := types.Address{0xaa}
	cb := BuildCoinbase(addr, 1000, 1)

	if err := cb.Validate(); err != nil {
		t.Errorf("coinbase should pass Validate: %v", err)
	}
}

func TestMiner_ProduceBlock(t *testing.T) {
	rig := newTestRig(t)
	m := New(rig.coord, rig.pow, rig.addr, 1000, 0, 1000)

	blk, err := m.ProduceBlock()
	if err != nil {
		t.Fatalf("ProduceBlock: %v", err)
	}

	tip := rig.coord.GetTip()
	if blk.Header.Height != 1 {
		t.Errorf("height: got %d, want 1", blk.Header.Height)
	}
	if blk.Header.PrevHash != tip.Hash {
		t.Error("PrevHash should match chain tip")
	}
	if blk.Header.Version != 1 {
		t.Errorf("version: got %d, want 1", blk.Header.Version)
	}
	if blk.Header.Timestamp == 0 {
		t.Error("timestamp should not be zero")
	}
	if len(blk.Transactions) != 1 {
		t.Fatalf("expected 1 tx (coinbase), got %d", len(blk.Transactions))
	}
	if blk.Transactions[0].Outputs[0].Value != 1000 {
		t.Error("coinbase output value mismatch")
	}
}

func TestMiner_ProduceBlock_ValidStructureAndConsensus(t *testing.T) {
	rig := newTestRig(t)
	m := New(rig.coord, rig.pow, rig.addr, 1000, 0, 1000)

	blk, err := m.ProduceBlock()
	if err != nil {
		t.Fatalf("ProduceBlock: %v", err)
	}

	if err := blk.Validate(); err != nil {
		t.Errorf("block should pass Validate: %v", err)
	}
	if err := rig.pow.VerifyHeader(blk.Header); err != nil {
		t.Errorf("block should pass PoW consensus verification: %v", err)
	}
}

func TestMiner_ProduceBlock_MonotonicTimestamp(t *testing.T) {
	rig := newTestRig(t)
	m := New(rig.coord, rig.pow, rig.addr, 1000, 0, 1000)

	blk, err := m.ProduceBlock()
	if err != nil {
		t.Fatalf("ProduceBlock: %v", err)
	}
	if res := rig.coord.SubmitBlock(blk); !isApplied(res) {
		t.Fatalf("SubmitBlock(blk) = %+v, want Applied", res)
	}

	// A second block built immediately after must still strictly exceed
	// the new tip's timestamp, even if real time hasn't advanced.
	blk2, err := m.ProduceBlock()
	if err != nil {
		t.Fatalf("ProduceBlock (second): %v", err)
	}
	if blk2.Header.Timestamp <= blk.Header.Timestamp {
		t.Errorf("timestamp did not advance monotonically: %d <= %d", blk2.Header.Timestamp, blk.Header.Timestamp)
	}
	if blk2.Header.Height != 2 {
		t.Errorf("height: got %d, want 2", blk2.Header.Height)
	}
}

func TestMiner_ProduceBlock_WithMempool(t *testing.T) {
	rig := newTestRig(t)

	// Spend the genesis allocation so the mempool has a real, fee-paying
	// transaction for the miner to pick up.
	genesisUTXOs := rig.utxosByAddress(t, rig.addr)
	if len(genesisUTXOs) != 1 {
		t.Fatalf("expected one genesis UTXO, got %d", len(genesisUTXOs))
	}

	recipientKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	recipient := crypto.AddressFromPubKey(recipientKey.PublicKey())

	b := tx.NewBuilder().
		AddInput(genesisUTXOs[0].Outpoint, genesisUTXOs[0].Value).
		AddOutput(4000, types.Script{Type: types.ScriptTypeP2PKH, Data: recipient.Bytes()})
	if err := b.Sign(rig.key); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	spendTx := b.Build()

	if result := rig.coord.SubmitTransaction(spendTx); !isAdmitted(result) {
		t.Fatalf("SubmitTransaction(spendTx) = %+v, want Admitted", result)
	}

	m := New(rig.coord, rig.pow, rig.addr, 1000, 0, 1000)
	blk, err := m.ProduceBlock()
	if err != nil {
		t.Fatalf("ProduceBlock: %v", err)
	}

	if len(blk.Transactions) != 2 {
		t.Fatalf("expected coinbase + 1 mempool tx, got %d", len(blk.Transactions))
	}

	fee := genesisUTXOs[0].Value - 4000
	expectedCoinbase := uint64(1000) + fee
	if blk.Transactions[0].Outputs[0].Value != expectedCoinbase {
		t.Errorf("coinbase value: got %d, want %d (reward + fees)", blk.Transactions[0].Outputs[0].Value, expectedCoinbase)
	}
}

func TestMiner_ProduceBlock_SupplyCapReduced(t *testing.T) {
	rig := newTestRig(t)

	// Reward 1000, max supply set so only 20 can still be minted.
	maxSupply := rig.coord.GetTip().Supply + 20
	m := New(rig.coord, rig.pow, rig.addr, 1000, maxSupply, 1000)

	blk, err := m.ProduceBlock()
	if err != nil {
		t.Fatalf("ProduceBlock: %v", err)
	}

	coinbaseValue := blk.Transactions[0].Outputs[0].Value
	if coinbaseValue != 20 {
		t.Errorf("coinbase value: got %d, want 20 (capped by supply)", coinbaseValue)
	}
}

func TestMiner_ProduceBlock_SupplyCapZeroReward(t *testing.T) {
	rig := newTestRig(t)

	maxSupply := rig.coord.GetTip().Supply // already at the cap
	m := New(rig.coord, rig.pow, rig.addr, 1000, maxSupply, 1000)

	blk, err := m.ProduceBlock()
	if err != nil {
		t.Fatalf("ProduceBlock: %v", err)
	}

	coinbaseValue := blk.Transactions[0].Outputs[0].Value
	if coinbaseValue != 0 {
		t.Errorf("coinbase value: got %d, want 0 (supply at max)", coinbaseValue)
	}
}

func TestMiner_ProduceBlock_UnlimitedSupply(t *testing.T) {
	rig := newTestRig(t)
	m := New(rig.coord, rig.pow, rig.addr, 1000, 0, 1000)

	blk, err := m.ProduceBlock()
	if err != nil {
		t.Fatalf("ProduceBlock: %v", err)
	}

	if blk.Transactions[0].Outputs[0].Value != 1000 {
		t.Errorf("coinbase: got %d, want 1000 (unlimited)", blk.Transactions[0].Outputs[0].Value)
	}
}

func isApplied(res coordinator.BlockResult) bool {
	_, ok := res.(coordinator.Applied)
	return ok
}

func isAdmitted(res coordinator.TxResult) bool {
	switch res.(type) {
	case coordinator.Admitted, coordinator.Replaced:
		return true
	default:
		return false
	}
}

// --- UTXOAdapter ---

func TestUTXOAdapter_GetUTXO(t *testing.T) {
	db := storage.NewMemory()
	store := utxo.NewStore(db)

	op := types.Outpoint{TxID: types.Hash{0x01}, Index: 0}
	u := &utxo.UTXO{
		Outpoint: op,
		Value:    1000,
		Script:   types.Script{Type: types.ScriptTypeP2PKH, Data: make([]byte, 20)},
	}
	store.Put(u)

	adapter := NewUTXOAdapter(store)

	val, script, err := adapter.GetUTXO(op)
	if err != nil {
		t.Fatalf("GetUTXO: %v", err)
	}
	if val != 1000 {
		t.Errorf("value: got %d, want 1000", val)
	}
	if script.Type != types.ScriptTypeP2PKH {
		t.Error("script type mismatch")
	}
}

func TestUTXOAdapter_HasUTXO(t *testing.T) {
	db := storage.NewMemory()
	store := utxo.NewStore(db)

	op := types.Outpoint{TxID: types.Hash{0x01}, Index: 0}
	store.Put(&utxo.UTXO{Outpoint: op, Value: 1})

	adapter := NewUTXOAdapter(store)

	if !adapter.HasUTXO(op) {
		t.Error("HasUTXO should return true for existing outpoint")
	}

	missing := types.Outpoint{TxID: types.Hash{0xff}, Index: 0}
	if adapter.HasUTXO(missing) {
		t.Error("HasUTXO should return false for missing outpoint")
	}
}

func TestUTXOAdapter_GetUTXO_NotFound(t *testing.T) {
	db := storage.NewMemory()
	store := utxo.NewStore(db)
	adapter := NewUTXOAdapter(store)

	_, _, err := adapter.GetUTXO(types.Outpoint{TxID: types.Hash{0xff}})
	if err == nil {
		t.Error("GetUTXO should fail for missing outpoint")
	}
}
