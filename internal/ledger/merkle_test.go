package ledger

import (
	"testing"
)

// fillOutputs appends count single-output blocks.
func fillOutputs(t *testing.T, l *Ledger, count int) {
	t.Helper()

	for i := 0; i < count; i++ {
		if _, err := l.AppendBlock([]TxOut{testOutput(byte(i + 1))}, nil); err != nil {
			t.Fatalf("AppendBlock: %v", err)
		}
	}
}

func TestProofImpliesRoot(t *testing.T) {
	for _, size := range []uint64{1, 2, 3, 5, 8, 13} {
		l := newTestLedger(t)
		fillOutputs(t, l, int(size))

		root, err := l.Root(size)
		if err != nil {
			t.Fatalf("Root: %v", err)
		}

		for index := uint64(0); index < size; index++ {
			proof, err := l.MembershipProof(index, size)
			if err != nil {
				t.Fatalf("MembershipProof(%d): %v", index, err)
			}

			txOut, err := l.GetTxOut(index)
			if err != nil {
				t.Fatalf("GetTxOut: %v", err)
			}

			implied, err := ImpliedRoot(TxOutHash(txOut), proof)
			if err != nil {
				t.Fatalf("ImpliedRoot: %v", err)
			}
			if implied != root {
				t.Errorf("size %d index %d: implied root differs", size, index)
			}
		}
	}
}

func TestProofDefaultsToCurrentTree(t *testing.T) {
	l := newTestLedger(t)
	fillOutputs(t, l, 4)

	proof, err := l.MembershipProof(2, 0)
	if err != nil {
		t.Fatalf("MembershipProof: %v", err)
	}
	if proof.TreeSize != 4 {
		t.Errorf("TreeSize = %d, want 4", proof.TreeSize)
	}
}

func TestProofAgainstOlderTree(t *testing.T) {
	l := newTestLedger(t)
	fillOutputs(t, l, 8)

	// A proof against the tree as of 5 outputs still verifies against
	// the root of that older tree.
	oldRoot, err := l.Root(5)
	if err != nil {
		t.Fatalf("Root: %v", err)
	}

	proof, err := l.MembershipProof(3, 5)
	if err != nil {
		t.Fatalf("MembershipProof: %v", err)
	}

	txOut, err := l.GetTxOut(3)
	if err != nil {
		t.Fatalf("GetTxOut: %v", err)
	}

	implied, err := ImpliedRoot(TxOutHash(txOut), proof)
	if err != nil {
		t.Fatalf("ImpliedRoot: %v", err)
	}
	if implied != oldRoot {
		t.Error("implied root differs from older tree root")
	}
}

func TestWrongLeafChangesImpliedRoot(t *testing.T) {
	l := newTestLedger(t)
	fillOutputs(t, l, 4)

	root, err := l.Root(4)
	if err != nil {
		t.Fatalf("Root: %v", err)
	}

	proof, err := l.MembershipProof(1, 4)
	if err != nil {
		t.Fatalf("MembershipProof: %v", err)
	}

	forged := testOutput(0x77)
	implied, err := ImpliedRoot(TxOutHash(&forged), proof)
	if err != nil {
		t.Fatalf("ImpliedRoot: %v", err)
	}
	if implied == root {
		t.Error("forged leaf implied the true root")
	}
}

func TestProofOutsideTree(t *testing.T) {
	l := newTestLedger(t)
	fillOutputs(t, l, 4)

	if _, err := l.MembershipProof(4, 4); err == nil {
		t.Fatal("proof for index outside tree accepted")
	}
}

func TestImpliedRootRejectsMalformedProof(t *testing.T) {
	l := newTestLedger(t)
	fillOutputs(t, l, 4)

	proof, err := l.MembershipProof(0, 4)
	if err != nil {
		t.Fatalf("MembershipProof: %v", err)
	}

	txOut, err := l.GetTxOut(0)
	if err != nil {
		t.Fatalf("GetTxOut: %v", err)
	}

	short := &MembershipProof{Index: 0, TreeSize: 4, Siblings: proof.Siblings[:1]}
	if _, err := ImpliedRoot(TxOutHash(txOut), short); err == nil {
		t.Error("short proof accepted")
	}

	bad := &MembershipProof{Index: 0, TreeSize: 4, Siblings: [][]byte{{1}, {2}}}
	if _, err := ImpliedRoot(TxOutHash(txOut), bad); err == nil {
		t.Error("malformed sibling accepted")
	}
}
