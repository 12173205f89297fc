/*
Package usage tracks which features each user reaches for and turns that history into a
per-feature weight and cache TTL.

Every view or action adds one to the feature's score; between accesses the score halves every
HalfLife. The TTL rises from MinTTL towards MaxTTL as the score approaches Saturation, so data
for features a user keeps returning to stays cached longer. Features never recorded use
DefaultCacheTTL.

Events and weights are written through a Repository. GormRepository persists them in the
user_behavior_logs and user_feature_weights tables; write failures are logged and never reach
the caller.
*/
package usage
