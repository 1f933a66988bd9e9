package models

// Types decoded from the chain RPC (Solana-compatible JSON-RPC).

type ClusterNode struct {
	Pubkey       string  `json:"pubkey"`
	Gossip       *string `json:"gossip"`
	RPC          *string `json:"rpc"`
	TPU          *string `json:"tpu"`
	Version      *string `json:"version"`
	FeatureSet   *uint32 `json:"featureSet"`
	ShredVersion *uint16 `json:"shredVersion"`
}

type VoteAccount struct {
	VotePubkey       string      `json:"votePubkey"`
	NodePubkey       string      `json:"nodePubkey"`
	ActivatedStake   uint64      `json:"activatedStake"`
	EpochVoteAccount bool        `json:"epochVoteAccount"`
	Commission       int         `json:"commission"`
	LastVote         uint64      `json:"lastVote"`
	RootSlot         uint64      `json:"rootSlot"`
	EpochCredits     [][3]uint64 `json:"epochCredits"`
}

type VoteAccounts struct {
	Current    []VoteAccount `json:"current"`
	Delinquent []VoteAccount `json:"delinquent"`
}

func (v VoteAccounts) Count() int { return len(v.Current) + len(v.Delinquent) }

func (v VoteAccounts) TotalStake() uint64 {
	var total uint64
	for _, a := range v.Current {
		total += a.ActivatedStake
	}
	for _, a := range v.Delinquent {
		total += a.ActivatedStake
	}
	return total
}

type EpochInfo struct {
	AbsoluteSlot     uint64  `json:"absoluteSlot"`
	BlockHeight      uint64  `json:"blockHeight"`
	Epoch            uint64  `json:"epoch"`
	SlotIndex        uint64  `json:"slotIndex"`
	SlotsInEpoch     uint64  `json:"slotsInEpoch"`
	TransactionCount *uint64 `json:"transactionCount"`
}

type PerformanceSample struct {
	Slot                   uint64  `json:"slot"`
	NumTransactions        uint64  `json:"numTransactions"`
	NumNonVoteTransactions *uint64 `json:"numNonVoteTransactions"`
	NumSlots               uint64  `json:"numSlots"`
	SamplePeriodSecs       uint64  `json:"samplePeriodSecs"`
}

func (p PerformanceSample) TPS() float64 {
	if p.SamplePeriodSecs == 0 {
		return 0
	}
	return float64(p.NumTransactions) / float64(p.SamplePeriodSecs)
}

type InflationRate struct {
	Total      float64 `json:"total"`
	Validator  float64 `json:"validator"`
	Foundation float64 `json:"foundation"`
	Epoch      uint64  `json:"epoch"`
}

type Supply struct {
	Total          uint64 `json:"total"`
	Circulating    uint64 `json:"circulating"`
	NonCirculating uint64 `json:"nonCirculating"`
}

// Auxiliary is the best-effort chain data gathered alongside the node set.
// Any field is nil when its fetch failed.
type Auxiliary struct {
	VoteAccounts       *VoteAccounts
	ClusterNodes       []ClusterNode
	Epoch              *EpochInfo
	PerformanceSamples []PerformanceSample
	Inflation          *InflationRate
	Supply             *Supply
	StakeMinimum       *uint64
}

// AverageTPS over the samples that carry a sample period.
func (a Auxiliary) AverageTPS() *float64 {
	var sum float64
	var n int
	for _, s := range a.PerformanceSamples {
		if s.SamplePeriodSecs == 0 {
			continue
		}
		sum += s.TPS()
		n++
	}
	if n == 0 {
		return nil
	}
	avg := sum / float64(n)
	return &avg
}
