package consensus

//
//                      +--------------------+
//                      |  InitializeConsensus|<-----------------------------+
//                      +---------+----------+                              |
//               primary, timer   |     backup                              |
//            +-------------------+------------------+                      |
//            v                                      v                      |
//  +------------------+   PrepareRequest   +----------------+              |
//  |  PrepareRequest  +------------------->| PrepareResponse|              |
//  +--------+---------+                    +-------+--------+              |
//           |          >= M Preparations           |                       |
//           +------------------+-------------------+                       |
//                              v                                           |
//                      +---------------+   >= M Commits   +-----------+    |
//                      |    Commit     +----------------->|   Block   +----+
//                      +-------+-------+                  +-----------+ persisted
//                              |
//          timeout, before Commit: ChangeView(view+1)
//          >= M ChangeView for view v: InitializeConsensus(v)
//

// ConsensusService - dBFT共识状态机，receiveRoutine是唯一修改状态的协程
//	- ConsensusContext - 当前高度、当前view的全部状态，每个验证者一个payload槽位
//		- Save/Load - 发出Commit前把上下文同步写入数据库，重启后不会重复投票
//	- TimeoutTicker - 唯一的逻辑定时器，重新设置会取消之前的定时器
//	- Ledger - 执行并保存区块，持久化完成后回调，开始下一个高度
//	- TransactionSource - 交易池，提案从这里选交易，备份节点从这里取提案引用的交易
//	- Reactor - 实现Broadcaster，在节点之间转发共识消息和区块
//	- RecoveryMessage - 落后或重启的节点通过它追上其他节点，里面的消息按普通消息重新处理
