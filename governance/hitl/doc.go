/*
Package hitl 提供人工审核（Human-in-the-Loop）升级队列。

队列按严重级别（critical > high > medium > low）排序，同级别内按入队顺序 FIFO。
Resolve 是唯一的变更操作，对同一升级项幂等：重复解决返回 AlreadyResolvedError，
不会重复触发解决回调。各级别的响应时限只用于告警，升级项永不过期。
*/
package hitl
