// Rolling window storage for recent per-user and per-channel severities.
//
// Includes an interface and implementations using redis and in-process memory.
//
// The windows feed the trend terms of the seriousness blend: each window
// holds at most Capacity values, evicting the oldest first, in arrival order.
package rollingstore
