package model

// Command names understood by nodes and elements.
const (
	CmdOn                  = "On"
	CmdOff                 = "Off"
	CmdStandby             = "Standby"
	CmdAssignResources     = "AssignResources"
	CmdReleaseAllResources = "ReleaseAllResources"
	CmdReleaseResources    = "ReleaseResources"
	CmdConfigure           = "Configure"
	CmdScan                = "Scan"
	CmdEndScan             = "EndScan"
	CmdEnd                 = "End"
	CmdAbort               = "Abort"
	CmdObsReset            = "ObsReset"
	CmdRestart             = "Restart"

	CmdAddReceptors       = "AddReceptors"
	CmdRemoveAllReceptors = "RemoveAllReceptors"
	CmdGoToIdle           = "GoToIdle"

	CmdTrack            = "Track"
	CmdTrackStop        = "TrackStop"
	CmdStopTrack        = "StopTrack"
	CmdSetStowMode      = "SetStowMode"
	CmdSetStandbyLPMode = "SetStandbyLPMode"
	CmdSetStandbyFPMode = "SetStandbyFPMode"
	CmdSetOperateMode   = "SetOperateMode"
	CmdConfigureBand    = "ConfigureBand"

	CmdStartUpTelescope = "StartUpTelescope"
	CmdTelescopeOn      = "TelescopeOn"
	CmdStandByTelescope = "StandByTelescope"
	CmdTelescopeOff     = "TelescopeOff"
	CmdStowAntennas     = "StowAntennas"
)

// Attribute names published by nodes and elements.
const (
	AttrOpState                  = "opState"
	AttrHealthState              = "healthState"
	AttrObsState                 = "obsState"
	AttrActivityMessage          = "activityMessage"
	AttrLastDeviceInfoChanged    = "lastDeviceInfoChanged"
	AttrLongRunningCommandResult = "longRunningCommandResult"

	AttrCSPSubarrayObsState  = "cspSubarrayObsState"
	AttrSDPSubarrayObsState  = "sdpSubarrayObsState"
	AttrMCCSSubarrayObsState = "mccsSubarrayObsState"

	AttrDishMode          = "dishMode"
	AttrPointingState     = "pointingState"
	AttrDesiredPointing   = "desiredPointing"
	AttrProgramTrackTable = "programTrackTable"
	AttrAchievedPointing  = "achievedPointing"
	AttrTarget            = "target"

	AttrDelayModel        = "delayModel"
	AttrReceptors         = "receptors"
	AttrDelayModelsSeen   = "receivedDelayModels"
	AttrReceptorIDList    = "receptorIDList"
	AttrAssigned          = "assignedResources"
	AttrScanID            = "scanID"
	AttrConfigurationID   = "configurationID"
	AttrSBID              = "sbID"
	AttrReceptorOwnership = "receptorOwnership"
)
