/*
Package budget caps model and CLI invocations per hub state within a
rolling hourly window.

Autonomous loops burn money; the ledger is the brake. Each budgeted hub
state gets an hourly invocation allowance (executing 20, improving 10,
contemplating 5 by default). CheckBudget gates the hot path before an
invocation; RecordInvocation journals one afterwards, durably, keyed by
timestamp so the rolling window reloads across restarts.

States without a budget entry (resting, healing) fail CheckBudget with
ErrNoBudget: if the hub is resting it should not be invoking anything.
A nil ledger fails open; a hub that cannot load its journal still
starts, it just runs unmetered until an operator looks.

Exhaustion is one of the hub FSM's transition inputs: a budgeted state
that runs dry yields back to resting until the window rolls.
*/
package budget
