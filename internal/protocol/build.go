// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

// SubscriptionPrefix is the object under which the Broker manages its
// own subscription rows on a Service, addressed via ordinary Add/Delete
// requests rather than a dedicated Subscribe operation.
const SubscriptionPrefix = "Device.LocalAgent.Subscription."

// BuildGet constructs a Get request for the given paths.
func BuildGet(paths []string, maxDepth int) Get {
	return Get{Paths: paths, MaxDepth: maxDepth}
}

// BuildSet constructs a Set request. allowPartial controls whether the
// Service should apply the params it can and report per-param failures,
// or reject the whole request atomically on any failure.
func BuildSet(allowPartial bool, params []SetParam) Set {
	return Set{AllowPartial: allowPartial, Params: params}
}

// BuildAdd constructs a bare Add request that creates an instance
// without setting any parameters on it.
func BuildAdd(objPath string) Add {
	return Add{ObjPath: objPath}
}

// BuildCreateObject constructs an Add request that creates an instance
// and sets the given parameters on it in the same round trip.
func BuildCreateObject(objPath string, params []AddParam) Add {
	return Add{ObjPath: objPath, Params: params}
}

// BuildDelete constructs a Delete request covering one or more object
// instances.
func BuildDelete(allowPartial bool, objPaths []string) Delete {
	return Delete{AllowPartial: allowPartial, ObjPaths: objPaths}
}

// BuildOperate constructs an Operate request. commandKey is echoed back
// by the Service in the eventual OperationComplete notification so the
// core can correlate it; callers of a synchronous command may pass an
// empty commandKey.
func BuildOperate(commandPath, commandKey string, sendResp bool, args []OperateArg) Operate {
	return Operate{CommandPath: commandPath, CommandKey: commandKey, SendResp: sendResp, InputArgs: args}
}

// BuildGetInstances constructs a GetInstances request.
func BuildGetInstances(objPaths []string, firstLevelOnly bool) GetInstances {
	return GetInstances{ObjPaths: objPaths, FirstLevelOnly: firstLevelOnly}
}

// BuildGetSupportedDM constructs a GetSupportedDM request. The Broker
// always asks for params, commands, and events together during schema
// import; a caller that only needs one facet may narrow the flags.
func BuildGetSupportedDM(paths []string, params, commands, events bool) GetSupportedDM {
	return GetSupportedDM{Paths: paths, ReturnParams: params, ReturnCommands: commands, ReturnEvents: events}
}

// BuildSubscribeAdd constructs the CreateObject request that installs a
// subscription row on a Service: an Add under Device.LocalAgent.Subscription.
// with the row's fields set as parameters. id should come from
// IDGenerator.NextSubscriptionID so the row is recognizable as
// Broker-owned during reconciliation.
func BuildSubscribeAdd(id, notifType, referencePath string, persistent bool) Add {
	value := "0"
	if persistent {
		value = "1"
	}
	return Add{
		ObjPath: SubscriptionPrefix,
		Params: []AddParam{
			{Name: "ID", Value: id, Required: true},
			{Name: "NotifType", Value: notifType, Required: true},
			{Name: "ReferenceList", Value: referencePath, Required: true},
			{Name: "Persistent", Value: value, Required: true},
			{Name: "Enable", Value: "1", Required: true},
		},
	}
}

// BuildUnsubscribeDelete constructs the Delete request that tears down a
// subscription row previously installed with BuildSubscribeAdd.
func BuildUnsubscribeDelete(instantiatedRowPath string) Delete {
	return Delete{AllowPartial: false, ObjPaths: []string{instantiatedRowPath}}
}
