// Package crosschain moves a portfolio's funds across chains as a sequence
// of steps that is undone in reverse when one of them fails.
//
// A plan is a list of MovementDesc values, each moving an amount between two
// places: a keyword leg of the offer escrow ("<Deposit>"), the portfolio's
// account on a chain ("@noble", "@Arbitrum"), or a position in a yield
// protocol ("USDN", "Aave_Arbitrum").
//
// Overview
//
//  1. Open a Portfolio with a kv.Store, a Network and a resolver.Resolver.
//     The store holds positions, remote accounts, provisioning state and
//     pending transactions, so a restarted process picks up where it left.
//  2. Call Rebalance with the plan. The Planner resolves every place before
//     anything runs and rejects the whole plan with a *PlanningError if one
//     step cannot be performed.
//  3. The Tracker applies the movements strictly in order. Cross-chain
//     movements register a transaction with the resolver, submit it, and
//     wait for the relayer to settle it. EVM accounts are provisioned on
//     first use through the provision package.
//  4. On the first failure the applied movements are recovered in reverse.
//     A recover that fails stops the unwind and is returned as a
//     *CompensationError naming where the funds were left.
//
// Every step and unwind step is published, so the status trail shows where
// the funds are after any outcome.
package crosschain
