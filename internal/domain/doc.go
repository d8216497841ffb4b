// Package domain models NASA FIRMS active-fire detections and the NASA POWER
// weather observations correlated with them.
//
// # Data Sources
//
// Detections come from the FIRMS near-real-time area CSV feed
// (https://firms.modaps.eosdis.nasa.gov/api/area/). The feed is fetched twice a
// day by the pipeline and decoded into [RawDetectionRow] values before any of
// the functions in this package see it.
//
// Weather observations come from the NASA POWER hourly point API
// (https://power.larc.nasa.gov/api/temporal/hourly/point), requested once per
// persisted detection for a window around the acquisition instant.
//
// # FIRMS Conventions
//
// Acquisition time:
//
//	acq_date is YYYY-MM-DD, acq_time is HHMM in UTC with leading zeros dropped:
//	"813" = 08:13, "5" = 00:05. Values are left-padded to four digits before
//	the hour and minute are split. See [NormalizeAcquisition].
//
// Confidence:
//
//	Categorical labels L, M, H map to 0.3, 0.6, 0.9. Any other label (VIIRS
//	"n"/"l"/"h", MODIS 0-100 integers) has no score; [CleanOptions] decides
//	whether such rows are kept with an absent score or dropped.
//
// Geometry:
//
//	Points are WGS84 and rendered as WKT with longitude first:
//	"POINT(-100.0 40.0)".
//
// # POWER Conventions
//
// Response values live at properties.parameter.<CODE>.<KEY>, where KEY is
// YYYYMMDDHH for hourly requests and YYYYMMDD for daily ones. Missing samples
// are either null or equal to header.fill_value (-999). Units are attached from
// a fixed table rather than the response; see [Parameter.Unit].
//
// # Deduplication
//
// Overlapping satellite tiles can repeat the same physical detection. Rows are
// collapsed on exact (latitude, longitude, acquisition instant); the first
// occurrence wins.
package domain
