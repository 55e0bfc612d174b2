// Package memory contains the tiered conversation memory: concrete short-term,
// long-term and vector store implementations plus the Manager that combines
// them. The store contracts (ShortTermStore, LongTermStore, VectorStore) live
// in the core package; select implementations at wiring time.
//
// Short-term stores keep a bounded window of turns per thread with a rolling
// expiry. Long-term and vector stores are optional capability ports; absent
// backends are replaced with the NoOp implementations so call sites never
// check for nil.
package memory
